package pool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/pkg/target"
)

// NodeStatus is the result of probing one node.
type NodeStatus struct {
	Node    target.Node   `json:"-"`
	Addr    string        `json:"addr"`
	Up      bool          `json:"up"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// ProbeNodes opens a connection to every node of the target concurrently,
// runs the validation query and closes it again. Results follow node
// preference order.
func (p *Pool) ProbeNodes(ctx context.Context) []NodeStatus {
	nodes := p.target.SortedNodes()
	statuses := make([]NodeStatus, len(nodes))

	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			statuses[i] = p.probe(ctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

func (p *Pool) probe(ctx context.Context, n target.Node) NodeStatus {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()

	st := NodeStatus{Node: n, Addr: n.Addr()}
	start := time.Now()
	c, err := Open(ctx, p.drv, p.target, n)
	if err == nil {
		err = driver.Validate(ctx, p.drv, c.handle, p.cfg.ValidationQuery, p.cfg.ValidationTimeout)
		_ = c.Release()
	}
	st.Latency = time.Since(start)
	if err != nil {
		st.Error = logging.SanitizeError(err)
		return st
	}
	st.Up = true
	return st
}

// redirect points new connections at node and closes idle connections to
// the previous one. Borrowed connections to the old node are closed when
// released. It returns the previous node.
func (p *Pool) redirect(node target.Node) target.Node {
	p.mu.Lock()
	old := p.node
	p.node = node
	var victims []*Conn
	remaining := make([]*Conn, 0, len(p.idle))
	for _, c := range p.idle {
		if c.node.Addr() != node.Addr() {
			victims = append(victims, c)
			continue
		}
		remaining = append(remaining, c)
	}
	p.idle = remaining
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.closeConns(victims)
	for range victims {
		p.signalCapacity()
	}
	return old
}

// failover moves the pool to the most preferred reachable node when the node
// it currently serves from is down. statuses must be in preference order.
func (m *Monitor) failover(ctx context.Context, statuses []NodeStatus) *FailoverEvent {
	current := m.pool.CurrentNode()

	var cur, best *NodeStatus
	for i := range statuses {
		s := &statuses[i]
		if s.Addr == current.Addr() {
			cur = s
		}
		if s.Up && best == nil {
			best = s
		}
	}
	if cur != nil && cur.Up {
		return nil
	}
	if best == nil {
		m.logger.Error("all nodes unreachable, staying on current node", zap.String("node", current.Addr()))
		return nil
	}

	reason := fmt.Sprintf("node %s unreachable", current.Addr())
	if cur != nil && cur.Error != "" {
		reason += ": " + cur.Error
	}
	from := m.pool.redirect(best.Node)
	ev := FailoverEvent{
		At:     time.Now(),
		Pool:   m.pool.name,
		From:   from.Addr(),
		To:     best.Addr,
		Reason: reason,
	}
	metrics.FailoverEvents.WithLabelValues(ev.Pool, ev.From, ev.To).Inc()
	m.logger.Warn("failed over to another node",
		zap.String("from", ev.From), zap.String("to", ev.To), zap.String("reason", reason))

	if err := m.events.Record(ctx, ev); err != nil {
		m.logger.Warn("recording failover event failed", logging.Err(err))
	}
	return &ev
}
