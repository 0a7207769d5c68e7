package aicp

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

type config struct {
	backend     BackendKind
	log         zerolog.Logger
	maxRequests int
	maxObjects  int
	maxEvents   int
	idleWait    time.Duration
	cpus        []int
}

func defaultConfig() config {
	return config{
		backend:     BackendAuto,
		log:         zerolog.Nop(),
		maxRequests: defaultMaxRequests,
		maxObjects:  defaultMaxObjects,
		maxEvents:   defaultMaxEvents,
		idleWait:    defaultIdleWait,
	}
}

func (c *config) validate() error {
	for _, cpu := range c.cpus {
		if cpu < 0 || cpu >= runtime.NumCPU() {
			return ErrCPUID
		}
	}
	return nil
}

// Option configures a Proactor.
type Option func(*config)

// WithBackend selects the event source. The default picks epoll on linux
// and kqueue on darwin and the BSDs.
func WithBackend(k BackendKind) Option {
	return func(c *config) { c.backend = k }
}

// WithLogger sets the logger for engine diagnostics. Nothing is logged by
// default.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMaxRequests bounds the number of requests posted and not yet
// delivered. Posts beyond it fail with ErrNoResources.
func WithMaxRequests(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxRequests = n
		}
	}
}

// WithMaxObjects bounds the number of registered objects.
func WithMaxObjects(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxObjects = n
		}
	}
}

// WithMaxEvents sets how many readiness events one wait can return.
func WithMaxEvents(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxEvents = n
		}
	}
}

// WithIdleWait bounds how long Step with a negative timeout blocks when no
// deadline is pending.
func WithIdleWait(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleWait = d
		}
	}
}

// WithWorkerAffinity pins worker i to cpus[i%len(cpus)].
func WithWorkerAffinity(cpus ...int) Option {
	return func(c *config) { c.cpus = append([]int(nil), cpus...) }
}
