// Package sla computes how long pending entities have waited for review and
// how urgent they are.
package sla

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gigverify/internal/verification/documents"
	"gigverify/internal/verification/models"
	dErrors "gigverify/pkg/domain-errors"
)

// Tier is the urgency of a pending entity.
type Tier string

const (
	TierOK       Tier = "ok"
	TierWarning  Tier = "warning"
	TierCritical Tier = "critical"
)

// Tiers lists every tier from least to most urgent.
var Tiers = []Tier{TierOK, TierWarning, TierCritical}

// Thresholds are the ages at which an entity becomes warning and critical.
type Thresholds struct {
	Warning  time.Duration
	Critical time.Duration
}

func (t Thresholds) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Warning  string `json:"warningAfter"`
		Critical string `json:"criticalAfter"`
	}{t.Warning.String(), t.Critical.String()})
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 8 * time.Hour, Critical: 24 * time.Hour}
}

func (t Thresholds) Validate() error {
	if t.Warning <= 0 || t.Critical <= 0 {
		return dErrors.New(dErrors.CodeValidation, "SLA thresholds must be positive")
	}
	if t.Critical < t.Warning {
		return dErrors.New(dErrors.CodeValidation, "critical SLA threshold must not be below the warning threshold")
	}
	return nil
}

// Tier classifies an elapsed wait: ok below Warning, critical from Critical on.
func (t Thresholds) Tier(elapsed time.Duration) Tier {
	switch {
	case elapsed >= t.Critical:
		return TierCritical
	case elapsed >= t.Warning:
		return TierWarning
	default:
		return TierOK
	}
}

// Age is the time an entity has been waiting, split into whole units.
type Age struct {
	Days      int           `json:"days"`
	Hours     int           `json:"hours"`
	Minutes   int           `json:"minutes"`
	Formatted string        `json:"formatted"`
	Elapsed   time.Duration `json:"-"`
}

// NewAge splits elapsed. Negative durations (clock skew) count as zero.
func NewAge(elapsed time.Duration) Age {
	if elapsed < 0 {
		elapsed = 0
	}
	totalMinutes := int(elapsed / time.Minute)
	a := Age{
		Days:    totalMinutes / (24 * 60),
		Hours:   totalMinutes / 60 % 24,
		Minutes: totalMinutes % 60,
		Elapsed: elapsed,
	}
	if elapsed >= 24*time.Hour {
		a.Formatted = fmt.Sprintf("%dd %dh", a.Days, a.Hours)
	} else {
		a.Formatted = fmt.Sprintf("%dh %dm", a.Hours, a.Minutes)
	}
	return a
}

// Assessment is the SLA view of one pending entity.
type Assessment struct {
	Entity          models.EntityRef `json:"entity"`
	Name            string           `json:"name,omitempty"`
	RegisteredAt    time.Time        `json:"registeredAt"`
	Age             Age              `json:"age"`
	Tier            Tier             `json:"tier"`
	HasAllDocuments bool             `json:"hasAllDocuments"`
}

// Calculator applies thresholds to entities.
type Calculator struct {
	thresholds Thresholds
}

func NewCalculator(t Thresholds) *Calculator {
	return &Calculator{thresholds: t}
}

func (c *Calculator) Thresholds() Thresholds { return c.thresholds }

// AgeOf returns how long e has been pending at now. Only pending entities have an age.
func (c *Calculator) AgeOf(e *models.Entity, now time.Time) (*Age, error) {
	if !e.IsPending() {
		return nil, dErrors.Wrap(models.ErrNotPending, dErrors.CodeGuardViolation, models.ErrNotPending.Error())
	}
	a := NewAge(now.Sub(e.RegisteredAt))
	return &a, nil
}

func (c *Calculator) UrgencyTier(a Age) Tier {
	return c.thresholds.Tier(a.Elapsed)
}

// Assess returns the age and tier of a pending entity.
func (c *Calculator) Assess(e *models.Entity, now time.Time) (*Assessment, error) {
	age, err := c.AgeOf(e, now)
	if err != nil {
		return nil, err
	}
	return &Assessment{
		Entity:          e.Ref(),
		Name:            e.Name,
		RegisteredAt:    e.RegisteredAt,
		Age:             *age,
		Tier:            c.UrgencyTier(*age),
		HasAllDocuments: documents.ForEntity(e).HasAllDocuments,
	}, nil
}

// Queue assesses the pending entities, longest waiting first. Others are skipped.
func (c *Calculator) Queue(entities []*models.Entity, now time.Time) []Assessment {
	out := make([]Assessment, 0, len(entities))
	for _, e := range entities {
		if !e.IsPending() {
			continue
		}
		a, err := c.Assess(e, now)
		if err != nil {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].Entity.String() < out[j].Entity.String()
	})
	return out
}

// CountByTier counts queue entries per tier. Every tier is present.
func CountByTier(queue []Assessment) map[Tier]int {
	counts := make(map[Tier]int, len(Tiers))
	for _, t := range Tiers {
		counts[t] = 0
	}
	for _, a := range queue {
		counts[a.Tier]++
	}
	return counts
}
