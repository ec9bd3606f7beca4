package index

import (
	"sync/atomic"

	"github.com/endomatch/trialmatch/internal/matcherrors"
	"github.com/endomatch/trialmatch/internal/observability"
)

// Manager holds the active snapshot behind an atomic pointer. Readers take the
// pointer once and keep searching that snapshot; a concurrent Swap never
// affects queries already in flight.
type Manager struct {
	active  atomic.Pointer[Snapshot]
	metrics observability.IndexMetrics
}

// NewManager creates a Manager with no active snapshot. Metrics may be nil.
func NewManager(metrics observability.IndexMetrics) *Manager {
	return &Manager{metrics: metrics}
}

// Active returns the current snapshot, or *matcherrors.QueryError while no
// build has completed yet.
func (m *Manager) Active() (*Snapshot, error) {
	snapshot := m.active.Load()
	if snapshot == nil {
		return nil, matcherrors.NewQueryError("index is uninitialized")
	}

	return snapshot, nil
}

// Ready reports whether a snapshot is active.
func (m *Manager) Ready() bool {
	return m.active.Load() != nil
}

// Swap atomically replaces the active snapshot. A nil next is ignored.
func (m *Manager) Swap(next *Snapshot) {
	if next == nil {
		return
	}

	m.active.Store(next)

	if m.metrics != nil {
		m.metrics.SetIndexSize(next.Size())
	}
}
