package pool

import (
	"time"
)

// Statistics is a point-in-time snapshot of a pool. Derived fields are
// computed from the raw counters under the pool mutex.
type Statistics struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Node  string `json:"node"`

	Total     int `json:"total"`
	Available int `json:"available"`
	Borrowed  int `json:"borrowed"`
	Pending   int `json:"pending"`
	Waiters   int `json:"waiters"`
	Peak      int `json:"peak"`
	MinSize   int `json:"min_size"`
	MaxSize   int `json:"max_size"`

	// Abandoned counts current borrows older than the abandoned timeout;
	// Overaged counts borrowed connections older than MaxConnectionAge.
	Abandoned int `json:"abandoned"`
	Overaged  int `json:"overaged"`

	Created          uint64 `json:"created"`
	Closed           uint64 `json:"closed"`
	Failed           uint64 `json:"failed"`
	ValidationErrors uint64 `json:"validation_errors"`
	Leaks            uint64 `json:"leaks"`
	Timeouts         uint64 `json:"timeouts"`
	Borrows          uint64 `json:"borrows"`
	Releases         uint64 `json:"releases"`

	TotalWait   time.Duration `json:"total_wait"`
	MaxWait     time.Duration `json:"max_wait"`
	AverageWait time.Duration `json:"average_wait"`
	TotalHold   time.Duration `json:"total_hold"`
	AverageHold time.Duration `json:"average_hold"`
	Utilization float64       `json:"utilization"`

	Health Health `json:"health"`
}

// BorrowInfo describes one borrowed connection.
type BorrowInfo struct {
	ID         uint64            `json:"id"`
	Node       string            `json:"node"`
	BorrowedAt time.Time         `json:"borrowed_at"`
	Held       time.Duration     `json:"held"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Statistics returns a snapshot. It is valid before Initialize (all zero).
func (p *Pool) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.counters
	s := Statistics{
		Name:             p.name,
		State:            p.state.String(),
		Node:             p.node.Addr(),
		Available:        len(p.idle),
		Borrowed:         len(p.borrowed),
		Pending:          p.pending,
		Waiters:          len(p.waiters),
		Peak:             c.peak,
		MinSize:          p.cfg.MinSize,
		MaxSize:          p.cfg.MaxSize,
		Created:          c.created,
		Closed:           c.closed,
		Failed:           c.failed,
		ValidationErrors: c.validationErrors,
		Leaks:            c.leaks,
		Timeouts:         c.timeouts,
		Borrows:          c.borrows,
		Releases:         c.releases,
		TotalWait:        c.totalWait,
		MaxWait:          c.maxWait,
		TotalHold:        c.totalHold,
	}
	s.Total = s.Available + s.Borrowed + p.checking

	now := time.Now()
	for _, conn := range p.borrowed {
		conn.mu.Lock()
		if p.cfg.AbandonedTimeout > 0 && now.Sub(conn.borrowedAt) > p.cfg.AbandonedTimeout {
			s.Abandoned++
		}
		conn.mu.Unlock()
		if p.cfg.MaxConnectionAge > 0 && now.Sub(conn.createdAt) > p.cfg.MaxConnectionAge {
			s.Overaged++
		}
	}

	if c.borrows > 0 {
		s.AverageWait = c.totalWait / time.Duration(c.borrows)
	}
	if c.releases > 0 {
		s.AverageHold = c.totalHold / time.Duration(c.releases)
	}
	if p.cfg.MaxSize > 0 {
		s.Utilization = float64(s.Borrowed) / float64(p.cfg.MaxSize)
	}
	s.Health = Evaluate(s)
	return s
}

// Borrowed returns the currently borrowed connections.
func (p *Pool) Borrowed() []BorrowInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]BorrowInfo, 0, len(p.borrowed))
	for _, c := range p.borrowed {
		c.mu.Lock()
		labels := make(map[string]string, len(c.labels))
		for k, v := range c.labels {
			labels[k] = v
		}
		out = append(out, BorrowInfo{
			ID:         c.id,
			Node:       c.node.Addr(),
			BorrowedAt: c.borrowedAt,
			Held:       now.Sub(c.borrowedAt),
			Labels:     labels,
		})
		c.mu.Unlock()
	}
	return out
}
