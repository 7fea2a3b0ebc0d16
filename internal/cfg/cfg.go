package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds the server's runtime configuration.
type Config struct {
	DrainSeconds           int
	ShutdownBudgetSeconds  int
	APIPort                int
	DatabaseURL            string
	APIKey                 string
	StepDeadlineMillis     int
	CooldownSeconds        int
	StreamRetentionSeconds int
	WindowDays             int
	FreezeOTP              string
	SlackWebhookURL        string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory stores)")
	fs.StringVar(&c.APIKey, "api-key", "", "expected X-API-Key for action endpoints (empty = any non-empty key)")
	fs.IntVar(&c.StepDeadlineMillis, "step-deadline-ms", 1000, "per-step deadline for triage plan steps in milliseconds (1..60000)")
	fs.IntVar(&c.CooldownSeconds, "cooldown-seconds", 300, "admission cooldown per alert in seconds (1..86400)")
	fs.IntVar(&c.StreamRetentionSeconds, "stream-retention-seconds", 900, "seconds a finished run's event stream stays subscribable (1..86400)")
	fs.IntVar(&c.WindowDays, "window-days", 90, "lookback window for transaction-driven steps in days (1..365)")
	fs.StringVar(&c.FreezeOTP, "freeze-otp", "", "expected one-time passcode for the freeze-card action (empty = built-in default)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for high-risk decision notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.StepDeadlineMillis <= 0 || c.StepDeadlineMillis > 60000 {
		errs = append(errs, fmt.Errorf("invalid STEP_DEADLINE_MS %d (must be 1..60000)", c.StepDeadlineMillis))
	}
	if c.CooldownSeconds <= 0 || c.CooldownSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid COOLDOWN_SECONDS %d (must be 1..86400)", c.CooldownSeconds))
	}
	if c.StreamRetentionSeconds <= 0 || c.StreamRetentionSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid STREAM_RETENTION_SECONDS %d (must be 1..86400)", c.StreamRetentionSeconds))
	}
	if c.WindowDays <= 0 || c.WindowDays > 365 {
		errs = append(errs, fmt.Errorf("invalid WINDOW_DAYS %d (must be 1..365)", c.WindowDays))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
