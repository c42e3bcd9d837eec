package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/logging"
)

// maintenanceLoop evicts idle and expired connections, validates the idle set
// and tops the pool back up to MinSize.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.maintain(p.ctx)
		}
	}
}

// maintain runs one maintenance pass.
func (p *Pool) maintain(ctx context.Context) {
	p.evictIdle()
	p.validateIdle(ctx)
	p.ensureMinSize(ctx)
}

// evictIdle closes expired idle connections, and connections idle longer than
// IdleTimeout while the pool is above MinSize.
func (p *Pool) evictIdle() {
	p.mu.Lock()
	if p.state != stateReady {
		p.mu.Unlock()
		return
	}
	total := p.totalLocked()
	var victims []*Conn
	remaining := make([]*Conn, 0, len(p.idle))
	for _, c := range p.idle {
		switch {
		case p.expired(c, p.node):
			victims = append(victims, c)
			total--
		case p.cfg.IdleTimeout > 0 && c.idleFor() > p.cfg.IdleTimeout && total > p.cfg.MinSize:
			victims = append(victims, c)
			total--
		default:
			remaining = append(remaining, c)
		}
	}
	p.idle = remaining
	p.updateMetricsLocked()
	p.mu.Unlock()

	if len(victims) > 0 {
		p.closeConns(victims)
		p.logger.Debug("evicted idle connections", zap.Int("count", len(victims)))
	}
}

// validateIdle runs the validation query on every idle connection and closes
// the ones that fail. Connections under validation stay counted in the total
// but cannot be borrowed.
func (p *Pool) validateIdle(ctx context.Context) {
	p.mu.Lock()
	if p.state != stateReady || len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.idle
	p.idle = make([]*Conn, 0, p.cfg.MaxSize)
	p.checking += len(batch)
	p.updateMetricsLocked()
	p.mu.Unlock()

	healthy := make([]*Conn, 0, len(batch))
	var broken []*Conn
	for _, c := range batch {
		err := driver.Validate(ctx, p.drv, c.handle, p.cfg.ValidationQuery, p.cfg.ValidationTimeout)
		if err != nil {
			p.logger.Warn("idle connection failed validation", zap.Uint64("conn_id", c.id), logging.Err(err))
			broken = append(broken, c)
			continue
		}
		healthy = append(healthy, c)
	}

	type handoff struct {
		w chan *Conn
		c *Conn
	}
	var handoffs []handoff

	p.mu.Lock()
	p.checking -= len(batch)
	p.counters.validationErrors += uint64(len(broken))
	if p.state != stateReady {
		broken = append(broken, healthy...)
		healthy = nil
	}
	for len(healthy) > 0 {
		w := p.popWaiterLocked()
		if w == nil {
			break
		}
		c := healthy[len(healthy)-1]
		healthy = healthy[:len(healthy)-1]
		p.lendLocked(c)
		handoffs = append(handoffs, handoff{w: w, c: c})
	}
	// Validated connections are older than anything released meanwhile.
	p.idle = append(healthy, p.idle...)
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, h := range handoffs {
		h.w <- h.c
	}
	if len(broken) > 0 {
		p.closeConns(broken)
		for range broken {
			p.signalCapacity()
		}
		p.logger.Info("health check removed unhealthy connections", zap.Int("count", len(broken)))
	}
}

// ensureMinSize opens connections until the pool holds MinSize again.
func (p *Pool) ensureMinSize(ctx context.Context) {
	created := 0
	for {
		p.mu.Lock()
		if p.state != stateReady || p.totalLocked() >= p.cfg.MinSize || p.totalLocked() >= p.cfg.MaxSize {
			p.mu.Unlock()
			break
		}
		p.pending++
		p.mu.Unlock()

		c, err := p.createConn(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("failed to replenish pool", logging.Err(err))
			break
		}
		if p.state != stateReady {
			p.mu.Unlock()
			p.closeConns([]*Conn{c})
			break
		}
		created++
		if w := p.popWaiterLocked(); w != nil {
			p.lendLocked(c)
			p.mu.Unlock()
			w <- c
			continue
		}
		p.idle = append(p.idle, c)
		p.updateMetricsLocked()
		p.mu.Unlock()
	}

	if created > 0 {
		p.logger.Info("replenished pool", zap.Int("created", created))
	}
}
