package pool

import (
	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/driver"
)

// Option configures a Pool, a Monitor or a Manager. Options that do not apply
// to the value being built are ignored.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	limiter SlotLimiter
	events  EventLog
	drivers map[string]driver.Driver
	monitor bool
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), drivers: make(map[string]driver.Driver)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSlotLimiter makes pools ask a global limiter before opening connections.
func WithSlotLimiter(l SlotLimiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithEventLog sets where failover events are recorded.
func WithEventLog(l EventLog) Option {
	return func(o *options) { o.events = l }
}

// WithDriver registers the driver used for targets of the given dialect.
func WithDriver(dialect string, d driver.Driver) Option {
	return func(o *options) { o.drivers[dialect] = d }
}

// WithMonitor starts a background health monitor for the pool being created.
func WithMonitor(enabled bool) Option {
	return func(o *options) { o.monitor = enabled }
}
