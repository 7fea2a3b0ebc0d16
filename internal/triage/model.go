package triage

import (
	"encoding/json"
	"time"
)

// RiskLevel is the final severity bucket of a triage decision.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "HIGH"
	RiskMedium RiskLevel = "MEDIUM"
	RiskLow    RiskLevel = "LOW"
)

// Action is the recommended follow-up of a triage decision.
type Action string

const (
	ActionFreezeCard      Action = "FREEZE_CARD"
	ActionOpenDispute     Action = "OPEN_DISPUTE"
	ActionContactCustomer Action = "CONTACT_CUSTOMER"
	ActionMonitor         Action = "MONITOR"
)

// Decision is the finalized outcome of one triage run.
type Decision struct {
	Recommended Action    `json:"recommended"`
	Risk        RiskLevel `json:"risk"`
	Reasons     []string  `json:"reasons"`
}

// Decide maps a risk score in [0,1] to a decision. Boundary values
// belong to the higher tier. Reasons pass through unchanged.
func Decide(score float64, reasons []string) Decision {
	if reasons == nil {
		reasons = []string{}
	}
	switch {
	case score >= 0.75:
		return Decision{Recommended: ActionFreezeCard, Risk: RiskHigh, Reasons: reasons}
	case score >= 0.6:
		return Decision{Recommended: ActionOpenDispute, Risk: RiskHigh, Reasons: reasons}
	case score >= 0.4:
		return Decision{Recommended: ActionContactCustomer, Risk: RiskMedium, Reasons: reasons}
	default:
		return Decision{Recommended: ActionMonitor, Risk: RiskLow, Reasons: reasons}
	}
}

// Run is one execution of the triage pipeline for one alert. It is
// created when triage is admitted and mutated exactly once at
// completion; it is never deleted.
type Run struct {
	ID           string     `json:"id"`
	AlertID      string     `json:"alertId"`
	CustomerID   string     `json:"customerId"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Risk         RiskLevel  `json:"risk,omitempty"`
	Reasons      []string   `json:"reasons,omitempty"`
	FallbackUsed bool       `json:"fallbackUsed"`
	LatencyMs    int64      `json:"latencyMs"`
}

// Finished reports whether the run has been finalized.
func (r *Run) Finished() bool { return r.EndedAt != nil }

// TraceRecord is one immutable audit entry of a run. Seq starts at 1 and
// increments without gaps in the order the entries were written.
type TraceRecord struct {
	RunID      string          `json:"runId"`
	Seq        int             `json:"seq"`
	Step       string          `json:"step"`
	OK         bool            `json:"ok"`
	DurationMs int64           `json:"durationMs"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// Event kinds published to a run's stream.
const (
	EventPlanBuilt         = "plan_built"
	EventToolUpdate        = "tool_update"
	EventFallbackTriggered = "fallback_triggered"
	EventDecisionFinalized = "decision_finalized"
)

// Plan is the fixed step order of every triage run. The final step is
// proposed to the client, never executed by the engine.
var Plan = []string{"getProfile", "recentTx", "riskSignals", "kbLookup", "decide", "proposeAction"}
