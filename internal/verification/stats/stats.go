// Package stats derives verifier performance from the audit ledger.
//
// Everything here is computed on demand from a ledger snapshot; nothing is
// stored. Results depend only on the entries and the window, so repeated calls
// over an unchanged ledger return identical values.
package stats

import (
	"context"
	"sort"
	"time"

	"gigverify/internal/verification/models"
)

// Window bounds the entries considered. Nil bounds are open; set bounds are inclusive.
type Window struct {
	Start *time.Time `json:"startDate,omitempty"`
	End   *time.Time `json:"endDate,omitempty"`
}

func (w Window) filter() models.AuditFilter {
	return models.AuditFilter{StartDate: w.Start, EndDate: w.End}
}

// VerifierStats is the performance summary of one verifier.
type VerifierStats struct {
	VerifierID        string  `json:"verifierId"`
	VerifierName      string  `json:"verifierName"`
	TotalReviewed     int     `json:"totalReviewed"`
	Approved          int     `json:"approved"`
	Rejected          int     `json:"rejected"`
	RequestedReupload int     `json:"requestedReupload"`
	ApprovalRate      float64 `json:"approvalRate"`
}

// PlatformStats sums every verifier's activity in a window.
type PlatformStats struct {
	TotalReviewed     int     `json:"totalReviewed"`
	Approved          int     `json:"approved"`
	Rejected          int     `json:"rejected"`
	RequestedReupload int     `json:"requestedReupload"`
	Blocked           int     `json:"blocked"`
	Unblocked         int     `json:"unblocked"`
	Overridden        int     `json:"overridden"`
	ApprovalRate      float64 `json:"approvalRate"`
	ActiveVerifiers   int     `json:"activeVerifiers"`
	Window            Window  `json:"window"`
}

// ApprovalRate is approved / total * 100, and 0 when total is 0.
func ApprovalRate(approved, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(approved) / float64(total) * 100
}

type tally struct {
	stats  VerifierStats
	latest time.Time
}

func (t *tally) add(e *models.AuditLogEntry) {
	if t.stats.TotalReviewed == 0 || e.Timestamp.After(t.latest) {
		t.stats.VerifierName = e.VerifierName
		t.latest = e.Timestamp
	}
	t.stats.TotalReviewed++
	switch e.Action {
	case models.ActionApproved:
		t.stats.Approved++
	case models.ActionRejected:
		t.stats.Rejected++
	case models.ActionRequestedReupload:
		t.stats.RequestedReupload++
	}
}

func (t *tally) result() VerifierStats {
	s := t.stats
	s.ApprovalRate = ApprovalRate(s.Approved, s.TotalReviewed)
	return s
}

// Compute summarizes the entries made by verifierID. Every action counts
// toward TotalReviewed. The name comes from the verifier's most recent entry.
func Compute(verifierID string, entries []*models.AuditLogEntry) VerifierStats {
	t := tally{stats: VerifierStats{VerifierID: verifierID}}
	for _, e := range entries {
		if e.VerifierID == verifierID {
			t.add(e)
		}
	}
	return t.result()
}

// Group summarizes entries per verifier, busiest first with ties by id.
// Verifiers without entries are absent.
func Group(entries []*models.AuditLogEntry) []VerifierStats {
	byVerifier := make(map[string]*tally)
	for _, e := range entries {
		t, ok := byVerifier[e.VerifierID]
		if !ok {
			t = &tally{stats: VerifierStats{VerifierID: e.VerifierID}}
			byVerifier[e.VerifierID] = t
		}
		t.add(e)
	}
	out := make([]VerifierStats, 0, len(byVerifier))
	for _, t := range byVerifier {
		out = append(out, t.result())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalReviewed != out[j].TotalReviewed {
			return out[i].TotalReviewed > out[j].TotalReviewed
		}
		return out[i].VerifierID < out[j].VerifierID
	})
	return out
}

// Summarize totals entries across all verifiers.
func Summarize(entries []*models.AuditLogEntry) PlatformStats {
	var p PlatformStats
	verifiers := make(map[string]struct{})
	for _, e := range entries {
		verifiers[e.VerifierID] = struct{}{}
		p.TotalReviewed++
		switch e.Action {
		case models.ActionApproved:
			p.Approved++
		case models.ActionRejected:
			p.Rejected++
		case models.ActionRequestedReupload:
			p.RequestedReupload++
		case models.ActionBlocked:
			p.Blocked++
		case models.ActionUnblocked:
			p.Unblocked++
		case models.ActionOverridden:
			p.Overridden++
		}
	}
	p.ActiveVerifiers = len(verifiers)
	p.ApprovalRate = ApprovalRate(p.Approved, p.TotalReviewed)
	return p
}

// Source reads ledger entries. The verification service satisfies it.
type Source interface {
	QueryAudit(ctx context.Context, filter models.AuditFilter) (*models.AuditPage, error)
}

// Aggregator answers stats queries against a ledger.
type Aggregator struct {
	source Source
}

func NewAggregator(source Source) *Aggregator {
	return &Aggregator{source: source}
}

// StatsFor returns one verifier's stats in the window. A verifier with no
// entries yields zero counts and a zero rate.
func (a *Aggregator) StatsFor(ctx context.Context, verifierID string, w Window) (*VerifierStats, error) {
	filter := w.filter()
	filter.VerifierID = verifierID
	page, err := a.source.QueryAudit(ctx, filter)
	if err != nil {
		return nil, err
	}
	s := Compute(verifierID, page.Entries)
	return &s, nil
}

// StatsForAll returns stats for every verifier active in the window.
func (a *Aggregator) StatsForAll(ctx context.Context, w Window) ([]VerifierStats, error) {
	page, err := a.source.QueryAudit(ctx, w.filter())
	if err != nil {
		return nil, err
	}
	return Group(page.Entries), nil
}

// Platform returns the platform-wide summary for the window.
func (a *Aggregator) Platform(ctx context.Context, w Window) (*PlatformStats, error) {
	page, err := a.source.QueryAudit(ctx, w.filter())
	if err != nil {
		return nil, err
	}
	p := Summarize(page.Entries)
	p.Window = w
	return &p, nil
}
