package store

import (
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	maintenanceCycles   = metrics.NewCounter("vkv_maintenance_cycles_total")
	maintenanceFailures = metrics.NewCounter("vkv_maintenance_failures_total")
)

// MaintenanceScheduler periodically runs retention cleanup and engine
// compaction across all registered store instances. It is opportunistic:
// an instance whose lock is held by a writer is skipped for the cycle, and
// a failure in one instance's pass never aborts the others.
//
// Cycles do not overlap with themselves; the next tick waits for the
// previous cycle to finish.
type MaintenanceScheduler struct {
	registry *Registry
	interval time.Duration

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMaintenanceScheduler creates a scheduler over registry with the given
// cycle interval.
func NewMaintenanceScheduler(registry *Registry, interval time.Duration) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		registry: registry,
		interval: interval,
	}
}

// Start launches the background maintenance loop. Calling Start on a
// running scheduler is a no-op.
func (m *MaintenanceScheduler) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(m.stopCh, m.doneCh)
	log.Infof("maintenance scheduler started (interval %s)", m.interval)
}

// Stop terminates the loop and waits for an in-flight cycle to finish.
// Calling Stop on a stopped scheduler is a no-op.
func (m *MaintenanceScheduler) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	log.Infof("maintenance scheduler stopped")
}

// IsRunning reports whether the background loop is active.
func (m *MaintenanceScheduler) IsRunning() bool {
	return m.running.Load()
}

func (m *MaintenanceScheduler) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.RunCycle()
		}
	}
}

// RunCycle runs one maintenance pass over every registered instance.
// Failures are isolated per instance: they are logged and counted, then
// the cycle moves on.
func (m *MaintenanceScheduler) RunCycle() {
	maintenanceCycles.Inc()
	m.registry.Range(func(s *Store) bool {
		if err := s.Maintenance(); err != nil {
			maintenanceFailures.Inc()
			log.Errorf("maintenance for %s failed: %v", s.Id(), err)
		}
		return true
	})
}
