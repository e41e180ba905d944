package bastion

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// errGateClosed is an internal signal that a gate was disposed while a
// caller waited on it; the registry reacts by acquiring a fresh gate.
var errGateClosed = errors.New("bastion: gate closed")

// gate is a counting semaphore whose limit can be resized while waiters
// are blocked. Raising the limit wakes all waiters, which then race for
// the freed slots; there is no FIFO guarantee.
type gate struct {
	mu       sync.Mutex
	limit    int
	inflight int
	waitCh   chan struct{}
	closed   bool
}

func newGate(limit int) *gate {
	if limit < 1 {
		limit = 1
	}
	return &gate{limit: limit, waitCh: make(chan struct{})}
}

// acquire blocks until a slot is free, ctx is cancelled, or the gate is
// shut down.
func (g *gate) acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return errGateClosed
		}
		if g.inflight < g.limit {
			g.inflight++
			g.mu.Unlock()
			return nil
		}
		ch := g.waitCh
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *gate) release() {
	g.mu.Lock()
	if g.inflight > 0 {
		g.inflight--
	}
	g.wakeLocked()
	g.mu.Unlock()
}

// resize changes the permit limit. Raising it wakes waiters so they can
// claim the new slots; in-flight holders are never revoked.
func (g *gate) resize(limit int) {
	if limit < 1 {
		limit = 1
	}
	g.mu.Lock()
	raised := limit > g.limit
	g.limit = limit
	if raised {
		g.wakeLocked()
	}
	g.mu.Unlock()
}

// shutdown disposes the gate. Blocked waiters wake and report
// errGateClosed rather than panicking; releases after shutdown are
// harmless.
func (g *gate) shutdown() {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.waitCh)
	}
	g.mu.Unlock()
}

func (g *gate) wakeLocked() {
	if g.closed {
		return
	}
	close(g.waitCh)
	g.waitCh = make(chan struct{})
}

func (g *gate) snapshot() (limit, inflight int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit, g.inflight
}

func (g *gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// HostGates maps host identifiers to concurrency gates. Gates are created
// lazily, upgraded in place when a caller requests a higher limit, and
// never silently downgraded. The registry is an explicit object with a
// create/upgrade/clear/shutdown lifecycle so tests can instantiate
// isolated instances.
type HostGates struct {
	logger  zerolog.Logger
	metrics *Collector

	mu    sync.Mutex
	gates map[string]*gate
	down  bool
}

// NewHostGates returns an empty registry.
func NewHostGates() *HostGates {
	return &HostGates{
		logger: zerolog.Nop(),
		gates:  make(map[string]*gate),
	}
}

// WithLogger sets the logger for gate lifecycle events.
func (h *HostGates) WithLogger(logger zerolog.Logger) *HostGates {
	h.logger = logger
	return h
}

// WithMetrics attaches a collector for per-host gauges.
func (h *HostGates) WithMetrics(c *Collector) *HostGates {
	h.metrics = c
	return h
}

// Acquire obtains a permit for host, creating the gate with the given
// limit on first use or raising an existing gate's limit when a higher
// one is requested. The returned release function must be called exactly
// once. A waiter released by Clear or an interleaved Shutdown re-acquires
// a freshly created gate on its next attempt.
func (h *HostGates) Acquire(ctx context.Context, host string, limit int) (func(), error) {
	for {
		g, err := h.gateFor(host, limit)
		if err != nil {
			return nil, err
		}
		err = g.acquire(ctx)
		if errors.Is(err, errGateClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if h.metrics != nil {
			l, in := g.snapshot()
			h.metrics.RecordGate(host, l, in)
		}
		var once sync.Once
		return func() {
			once.Do(func() {
				g.release()
				if h.metrics != nil {
					l, in := g.snapshot()
					h.metrics.RecordGate(host, l, in)
				}
			})
		}, nil
	}
}

// Limit returns the current permit limit for host, 0 when no gate exists.
func (h *HostGates) Limit(host string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.gates[host]
	if !ok {
		return 0
	}
	limit, _ := g.snapshot()
	return limit
}

// InFlight returns the number of permits currently held for host.
func (h *HostGates) InFlight(host string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.gates[host]
	if !ok {
		return 0
	}
	_, inflight := g.snapshot()
	return inflight
}

// Clear removes a single host's gate, releasing its waiters. The gate is
// recreated lazily on next use.
func (h *HostGates) Clear(host string) {
	h.mu.Lock()
	g, ok := h.gates[host]
	delete(h.gates, host)
	h.mu.Unlock()
	if ok {
		g.shutdown()
		h.logger.Debug().Str("host", host).Msg("gate_cleared")
	}
}

// Shutdown disposes all gates. In-flight acquisitions observe a released
// wait, not a panic. The registry remains usable: the next Acquire
// recreates gates.
func (h *HostGates) Shutdown() {
	h.mu.Lock()
	gates := h.gates
	h.gates = make(map[string]*gate)
	h.mu.Unlock()
	for host, g := range gates {
		g.shutdown()
		h.logger.Debug().Str("host", host).Msg("gate_shutdown")
	}
}

// Close marks the registry as terminally shut down: gates are disposed
// and subsequent Acquire calls fail with ErrGatesClosed.
func (h *HostGates) Close() {
	h.mu.Lock()
	h.down = true
	gates := h.gates
	h.gates = make(map[string]*gate)
	h.mu.Unlock()
	for _, g := range gates {
		g.shutdown()
	}
}

func (h *HostGates) gateFor(host string, limit int) (*gate, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, ErrGatesClosed
	}
	g, ok := h.gates[host]
	if !ok || g.isClosed() {
		g = newGate(limit)
		h.gates[host] = g
		h.logger.Debug().Str("host", host).Int("limit", limit).Msg("gate_created")
		return g, nil
	}
	if current, _ := g.snapshot(); limit > current {
		g.resize(limit)
		h.logger.Debug().Str("host", host).Int("limit", limit).Msg("gate_upgraded")
	}
	return g, nil
}
