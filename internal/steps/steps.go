// Package steps implements the analytic functions the triage plan
// invokes: profile lookup, recent-transaction analytics, rule-based risk
// scoring, and knowledge-base lookup. All of them are deterministic and
// offline; the orchestrator treats each one as a possibly-slow,
// possibly-failing call behind a deadline.
package steps

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/records"
)

// Analyzer runs the analytic steps against a record store.
type Analyzer struct {
	store records.Store
}

// NewAnalyzer creates an Analyzer backed by store.
func NewAnalyzer(store records.Store) *Analyzer {
	return &Analyzer{store: store}
}

// Profile is the customer summary returned by the profile step.
type Profile struct {
	CustomerID string    `json:"customerId"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	KYCLevel   string    `json:"kycLevel"`
	Since      time.Time `json:"since"`
}

// MerchantStat is one entry in the top-merchants ranking.
type MerchantStat struct {
	Merchant   string `json:"merchant"`
	Count      int    `json:"count"`
	TotalCents int64  `json:"totalCents"`
}

// CategoryShare is one spend category's share of total spend.
type CategoryShare struct {
	Name       string  `json:"name"`
	Pct        float64 `json:"pct"`
	TotalCents int64   `json:"totalCents"`
}

// MonthlySum is total spend for one calendar month.
type MonthlySum struct {
	Month    string `json:"month"`
	SumCents int64  `json:"sum"`
}

// Anomaly flags a transaction on a day whose total spend deviates
// strongly from the customer's daily mean.
type Anomaly struct {
	TS          time.Time `json:"ts"`
	ZScore      float64   `json:"zScore"`
	Note        string    `json:"note"`
	AmountCents int64     `json:"amountCents"`
}

// Insights is the output of the recent-transaction analytics step.
type Insights struct {
	TopMerchants []MerchantStat  `json:"topMerchants"`
	Categories   []CategoryShare `json:"categories"`
	MonthlyTrend []MonthlySum    `json:"monthlyTrend"`
	Anomalies    []Anomaly       `json:"anomalies"`
	RiskSignals  []string        `json:"riskSignals"`
	Summary      string          `json:"summary"`
}

// Risk is the output of the risk-scoring step.
type Risk struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// KBHit is one knowledge-base match.
type KBHit struct {
	Title   string `json:"title"`
	Anchor  string `json:"anchor"`
	Extract string `json:"extract"`
}

// Profile returns the customer summary for the profile step.
func (a *Analyzer) Profile(ctx context.Context, customerID string) (*Profile, error) {
	c, ok, err := a.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("customer %q not found", customerID)
	}
	return &Profile{
		CustomerID: c.ID,
		Name:       c.Name,
		Email:      c.Email,
		KYCLevel:   c.KYCLevel,
		Since:      c.CreatedAt,
	}, nil
}

// Window returns the raw transactions of the last `days` days, newest
// first. The risk-scoring step consumes this directly, independent of
// the analytics step's own fetch.
func (a *Analyzer) Window(ctx context.Context, customerID string, days int) ([]records.Transaction, error) {
	since := time.Now().AddDate(0, 0, -days)
	return a.store.ListTransactionsSince(ctx, customerID, since)
}

var mccCategories = map[string]string{
	"4121": "Transport",
	"5411": "Groceries",
	"5812": "Restaurants",
	"5977": "Health",
	"5964": "Online Shopping",
	"7995": "Entertainment",
	"4814": "Utilities",
}

func mccCategory(mcc string) string {
	if name, ok := mccCategories[mcc]; ok {
		return name
	}
	return "Other"
}

const (
	highAmountCents   = 400_000
	anomalyZThreshold = 2.5
	velocityWindow    = time.Hour
	velocityCount     = 5
)

// Insights computes the recent-transaction analytics for a customer over
// the last `days` days.
func (a *Analyzer) Insights(ctx context.Context, customerID string, days int) (*Insights, error) {
	since := time.Now().AddDate(0, 0, -days)
	txns, err := a.store.ListTransactionsSince(ctx, customerID, since)
	if err != nil {
		return nil, err
	}

	if len(txns) == 0 {
		return &Insights{
			TopMerchants: []MerchantStat{},
			Categories:   []CategoryShare{},
			MonthlyTrend: []MonthlySum{},
			Anomalies:    []Anomaly{},
			RiskSignals:  []string{"no_recent_activity"},
			Summary:      fmt.Sprintf("No transactions in the last %d days.", days),
		}, nil
	}

	insights := &Insights{
		TopMerchants: topMerchants(txns),
		Categories:   categoryShares(txns),
		MonthlyTrend: monthlyTrend(txns),
		Anomalies:    dailySpendAnomalies(txns),
		RiskSignals:  riskSignals(txns),
	}

	summary := fmt.Sprintf("Analyzed %d transactions over %d days.", len(txns), days)
	if n := len(insights.RiskSignals); n > 0 {
		summary += fmt.Sprintf(" Detected %d risk signal(s): %s.", n, strings.Join(insights.RiskSignals, ", "))
	}
	if n := len(insights.Anomalies); n > 0 {
		summary += fmt.Sprintf(" Found %d spending anomaly(ies).", n)
	}
	insights.Summary = summary

	return insights, nil
}

func topMerchants(txns []records.Transaction) []MerchantStat {
	byMerchant := make(map[string]*MerchantStat)
	for _, t := range txns {
		name := t.Merchant
		if name == "" {
			name = "Unknown"
		}
		stat, ok := byMerchant[name]
		if !ok {
			stat = &MerchantStat{Merchant: name}
			byMerchant[name] = stat
		}
		stat.Count++
		stat.TotalCents += t.AmountCents
	}

	out := make([]MerchantStat, 0, len(byMerchant))
	for _, stat := range byMerchant {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCents != out[j].TotalCents {
			return out[i].TotalCents > out[j].TotalCents
		}
		return out[i].Merchant < out[j].Merchant
	})
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

func categoryShares(txns []records.Transaction) []CategoryShare {
	byCategory := make(map[string]int64)
	var totalSpend int64
	for _, t := range txns {
		byCategory[mccCategory(t.MCC)] += t.AmountCents
		totalSpend += t.AmountCents
	}

	out := make([]CategoryShare, 0, len(byCategory))
	for name, total := range byCategory {
		share := CategoryShare{Name: name, TotalCents: total}
		if totalSpend > 0 {
			share.Pct = math.Round(float64(total)/float64(totalSpend)*1000) / 1000
		}
		out = append(out, share)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pct != out[j].Pct {
			return out[i].Pct > out[j].Pct
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func monthlyTrend(txns []records.Transaction) []MonthlySum {
	byMonth := make(map[string]int64)
	for _, t := range txns {
		byMonth[t.TS.UTC().Format("2006-01")] += t.AmountCents
	}

	out := make([]MonthlySum, 0, len(byMonth))
	for month, sum := range byMonth {
		out = append(out, MonthlySum{Month: month, SumCents: sum})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}

// dailySpendAnomalies flags transactions on days whose total spend has a
// z-score above the threshold relative to the window's daily mean.
func dailySpendAnomalies(txns []records.Transaction) []Anomaly {
	byDay := make(map[string]int64)
	for _, t := range txns {
		byDay[t.TS.UTC().Format("2006-01-02")] += t.AmountCents
	}

	mean := 0.0
	for _, sum := range byDay {
		mean += float64(sum)
	}
	mean /= float64(len(byDay))

	variance := 0.0
	for _, sum := range byDay {
		d := float64(sum) - mean
		variance += d * d
	}
	variance /= float64(len(byDay))
	stdDev := math.Sqrt(variance)

	anomalies := []Anomaly{}
	if stdDev == 0 {
		return anomalies
	}
	for _, t := range txns {
		dayTotal := byDay[t.TS.UTC().Format("2006-01-02")]
		z := (float64(dayTotal) - mean) / stdDev
		if z > anomalyZThreshold {
			anomalies = append(anomalies, Anomaly{
				TS:          t.TS,
				ZScore:      math.Round(z*100) / 100,
				Note:        "Unusual daily spend spike",
				AmountCents: t.AmountCents,
			})
		}
	}
	return anomalies
}

func riskSignals(txns []records.Transaction) []string {
	signals := []string{}

	var maxCents int64
	for _, t := range txns {
		if t.AmountCents > maxCents {
			maxCents = t.AmountCents
		}
	}
	if maxCents > highAmountCents {
		signals = append(signals, "high_single_transaction")
	}

	foreign := 0
	for _, t := range txns {
		if t.Country != "US" {
			foreign++
		}
	}
	if foreign == 1 {
		signals = append(signals, "first_foreign_transaction")
	}

	sorted := make([]records.Transaction, len(txns))
	copy(sorted, txns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TS.Before(sorted[j].TS) })
	for i := 0; i+velocityCount <= len(sorted); i++ {
		if sorted[i+velocityCount-1].TS.Sub(sorted[i].TS) < velocityWindow {
			signals = append(signals, "high_velocity")
			break
		}
	}

	return signals
}

// Risk scores the suspect transaction against the customer's raw recent
// transaction window. The window is expected newest first and to include
// the suspect transaction itself.
func (a *Analyzer) Risk(ctx context.Context, suspectTxnID string, window []records.Transaction) (*Risk, error) {
	txn, ok, err := a.store.GetTransaction(ctx, suspectTxnID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("transaction %q not found", suspectTxnID)
	}

	reasons := []string{}
	score := 0.2

	if txn.AmountCents > highAmountCents {
		reasons = append(reasons, "high_amount")
		score += 0.3
	}

	mccCount := 0
	for _, t := range window {
		if t.MCC == txn.MCC {
			mccCount++
		}
	}
	if mccCount == 1 {
		reasons = append(reasons, "mcc_rarity")
		score += 0.25
	}

	if len(window) > 1 {
		lastDevice := window[1].DeviceID
		if lastDevice != "" && lastDevice != txn.DeviceID {
			reasons = append(reasons, "device_change")
			score += 0.2
		}
	}

	if txn.Country != "US" {
		seen := false
		for _, t := range window {
			if t.Country == txn.Country {
				seen = true
				break
			}
		}
		if !seen {
			reasons = append(reasons, "foreign_first_time")
			score += 0.15
		}
	}

	return &Risk{Score: math.Min(score, 1.0), Reasons: reasons}, nil
}

const extractLen = 200

// Lookup matches knowledge-base documents against the query's keywords.
// A document matches when its content contains every keyword longer than
// three characters, case-insensitively. At most three hits are returned.
func (a *Analyzer) Lookup(ctx context.Context, query string) ([]KBHit, error) {
	var keywords []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) > 3 {
			keywords = append(keywords, w)
		}
	}
	if len(keywords) == 0 {
		return []KBHit{}, nil
	}

	docs, err := a.store.ListKBDocs(ctx)
	if err != nil {
		return nil, err
	}

	hits := []KBHit{}
	for _, d := range docs {
		content := strings.ToLower(d.Content)
		matched := true
		for _, k := range keywords {
			if !strings.Contains(content, k) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		hits = append(hits, KBHit{Title: d.Title, Anchor: d.Anchor, Extract: extract(d.Content)})
		if len(hits) == 3 {
			break
		}
	}
	return hits, nil
}

func extract(content string) string {
	if len(content) <= extractLen {
		return content
	}
	return content[:extractLen]
}

// SearchHit is one result of a free-text knowledge-base search.
type SearchHit struct {
	DocID   string `json:"docId"`
	Title   string `json:"title"`
	Anchor  string `json:"anchor"`
	Extract string `json:"extract"`
}

const (
	searchLimit   = 20
	snippetLen    = 140
	snippetBefore = snippetLen / 3
)

// Search finds documents whose title, anchor, or content contains q,
// case-insensitively, returning a contextual snippet around the first
// content match. An empty query returns no hits.
func (a *Analyzer) Search(ctx context.Context, q string) ([]SearchHit, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []SearchHit{}, nil
	}

	docs, err := a.store.ListKBDocs(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(q)
	hits := []SearchHit{}
	for _, d := range docs {
		if !strings.Contains(strings.ToLower(d.Title), needle) &&
			!strings.Contains(strings.ToLower(d.Anchor), needle) &&
			!strings.Contains(strings.ToLower(d.Content), needle) {
			continue
		}
		hits = append(hits, SearchHit{
			DocID:   d.ID,
			Title:   d.Title,
			Anchor:  d.Anchor,
			Extract: snippet(d.Content, needle),
		})
		if len(hits) == searchLimit {
			break
		}
	}
	return hits, nil
}

func snippet(content, needle string) string {
	i := strings.Index(strings.ToLower(content), needle)
	if i < 0 {
		if len(content) <= snippetLen {
			return content
		}
		return content[:snippetLen]
	}
	start := i - snippetBefore
	if start < 0 {
		start = 0
	}
	end := start + snippetLen
	if end > len(content) {
		end = len(content)
	}
	out := content[start:end]
	if start > 0 {
		out = "..." + out
	}
	if end < len(content) {
		out += "..."
	}
	return out
}
