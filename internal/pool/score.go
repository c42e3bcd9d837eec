package pool

import (
	"fmt"
	"time"
)

// HealthStatus classifies a pool.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// Severity of a health issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is one finding that lowered the health score.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Health is the scored state of a pool.
type Health struct {
	Status HealthStatus `json:"status"`
	Score  int          `json:"score"`
	Issues []Issue      `json:"issues,omitempty"`
}

// Scoring weights and thresholds.
const (
	penaltyExhausted       = 30
	penaltyLeakCategory    = 20
	penaltyUtilization     = 10
	penaltyValidation      = 10
	penaltySlowBorrows     = 10
	utilizationThreshold   = 0.9
	slowBorrowThreshold    = 5 * time.Second
	criticalScoreThreshold = 40
)

// Evaluate scores a snapshot. Scoring starts at 100 and deducts per issue.
func Evaluate(s Statistics) Health {
	h := Health{Score: 100}
	add := func(sev Severity, penalty int, format string, args ...any) {
		h.Score -= penalty
		h.Issues = append(h.Issues, Issue{Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if s.Total > 0 && s.Available == 0 && s.Borrowed >= s.Total {
		add(SeverityCritical, penaltyExhausted, "pool exhausted: %d of %d connections borrowed", s.Borrowed, s.Total)
	}
	if s.Abandoned > 0 {
		add(SeverityWarning, penaltyLeakCategory, "%d connections borrowed past the abandoned timeout", s.Abandoned)
	}
	if s.Overaged > 0 {
		add(SeverityWarning, penaltyLeakCategory, "%d borrowed connections past max connection age", s.Overaged)
	}
	if s.MaxSize > 0 && s.Utilization > utilizationThreshold {
		add(SeverityWarning, penaltyUtilization, "utilization %.0f%% above %.0f%%", s.Utilization*100, utilizationThreshold*100)
	}
	if s.ValidationErrors > 0 {
		add(SeverityWarning, penaltyValidation, "%d validation errors", s.ValidationErrors)
	}
	if s.AverageHold > slowBorrowThreshold {
		add(SeverityWarning, penaltySlowBorrows, "average borrow time %v above %v", s.AverageHold.Round(time.Millisecond), slowBorrowThreshold)
	}

	if h.Score < 0 {
		h.Score = 0
	}

	critical := h.Score <= criticalScoreThreshold
	for _, i := range h.Issues {
		if i.Severity == SeverityCritical {
			critical = true
		}
	}
	switch {
	case critical:
		h.Status = StatusCritical
	case len(h.Issues) > 0:
		h.Status = StatusWarning
	default:
		h.Status = StatusHealthy
	}
	return h
}
