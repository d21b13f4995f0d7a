package room

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Edge identifies which sensor transition a pending callback is waiting for.
type Edge string

const (
	EdgeOn  Edge = "on"
	EdgeOff Edge = "off"
)

// pendingEntry is one armed callback's cancellation hook.
type pendingEntry struct {
	cancel func()
}

// timerRegistry tracks pending one-shot callbacks keyed by (sensor, edge).
// Arming a new callback for a pair first cancels anything outstanding for that
// pair, so at most one callback per (sensor, edge) is ever live. Watchers go
// through this registry instead of inspecting the host's callback table.
type timerRegistry struct {
	mu      sync.Mutex
	logger  *zap.Logger
	pending map[string][]pendingEntry
}

func newTimerRegistry(logger *zap.Logger) *timerRegistry {
	return &timerRegistry{
		logger:  logger.Named("registry"),
		pending: make(map[string][]pendingEntry),
	}
}

func registryKey(sensor string, edge Edge) string {
	return fmt.Sprintf("%s/%s", sensor, edge)
}

// arm registers cancel for (sensor, edge), cancelling any prior registration
// for the same pair first.
func (r *timerRegistry) arm(sensor string, edge Edge, cancel func()) {
	r.cancelAll(sensor, edge)

	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(sensor, edge)
	r.pending[key] = append(r.pending[key], pendingEntry{cancel: cancel})
}

// cancelAll cancels every pending callback for (sensor, edge). More than one
// match would mean a double registration slipped through; all matches are
// cancelled anyway.
func (r *timerRegistry) cancelAll(sensor string, edge Edge) {
	key := registryKey(sensor, edge)

	r.mu.Lock()
	entries := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()

	if len(entries) > 1 {
		r.logger.Warn("Multiple pending callbacks for sensor edge, cancelling all",
			zap.String("sensor", sensor),
			zap.String("edge", string(edge)),
			zap.Int("count", len(entries)))
	}

	for _, entry := range entries {
		entry.cancel()
	}
}

// release drops the registration for (sensor, edge) without invoking its
// cancel hook. Used when a callback has fired and consumed itself.
func (r *timerRegistry) release(sensor string, edge Edge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, registryKey(sensor, edge))
}

// clear cancels everything. Used on shutdown.
func (r *timerRegistry) clear() {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[string][]pendingEntry)
	r.mu.Unlock()

	for _, entries := range all {
		for _, entry := range entries {
			entry.cancel()
		}
	}
}
