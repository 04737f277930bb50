package task

import (
	"context"
	"time"
)

// cleanupLoop evicts stale tasks every TASK_CLEANUP_INTERVAL.
func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TaskCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("cleanup loop shutting down")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep deletes every task older than MAX_TASK_AGE whatever its status.
// Running tasks are aborted; their worker discards the result.
func (m *Manager) Sweep() int {
	cutoff := m.store.Now().Add(-m.cfg.MaxTaskAge)
	ids, aborts := m.store.evict(cutoff)
	for _, abort := range aborts {
		abort()
	}
	for _, id := range ids {
		m.hub.Publish(id)
	}
	if len(ids) > 0 {
		m.logger.Info("evicted stale tasks", "count", len(ids), "aborted_running", len(aborts))
	}
	return len(ids)
}
