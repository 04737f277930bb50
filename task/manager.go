package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cometsearch/config"
)

// Manager ties the store, worker pool, streaming hub and reaper together.
// It is constructed once at start-up and shared by the API layer.
type Manager struct {
	cfg      *config.Config
	store    *Store
	hub      *Hub
	queue    *queue
	resolver Resolver
	logger   *slog.Logger

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func NewManager(cfg *config.Config, resolver Resolver, logger *slog.Logger, opts ...StoreOption) (*Manager, error) {
	if resolver == nil {
		return nil, errors.New("task manager requires a provider resolver")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	store := NewStore(opts...)
	logger = logger.With("component", "task_manager")
	return &Manager{
		cfg:      cfg,
		store:    store,
		hub:      NewHub(store, logger),
		queue:    newQueue(),
		resolver: resolver,
		logger:   logger,
	}, nil
}

// Start launches the worker pool and the reaper. They stop when ctx ends;
// use Wait to block until they have.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	m.logger.Info("task manager started",
		"workers", m.cfg.Workers,
		"max_task_age", m.cfg.MaxTaskAge,
		"cleanup_interval", m.cfg.TaskCleanupInterval)

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx, i)
	}
	m.wg.Add(1)
	go m.cleanupLoop(ctx)
}

// Wait blocks until every worker and the reaper have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit validates and registers a new task. It never waits for execution.
func (m *Manager) Submit(model, query string, opts Options) (Record, error) {
	if strings.TrimSpace(query) == "" && opts.Upload == nil {
		return Record{}, fmt.Errorf("%w: a query or an uploaded file is required", ErrValidation)
	}
	prov, err := m.resolver.Resolve(model)
	if err != nil {
		return Record{}, err
	}
	if ua, ok := prov.(UploadAcceptor); ok && opts.Upload != nil {
		if err := ua.AcceptUpload(opts.Upload.MIMEType); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	rec := m.store.Create(model, query, opts)
	m.queue.push(rec.ID)
	m.logger.Info("task submitted", "task_id", rec.ID, "model", model, "queued", m.queue.len())
	return rec, nil
}

func (m *Manager) Get(id string) (Record, error) {
	return m.store.Get(id)
}

func (m *Manager) List(status Status, limit int) ([]Summary, int) {
	return m.store.List(status, limit)
}

// Cancel requests cancellation. A task that was never claimed is finalized
// right away; a running one stops at its next checkpoint.
func (m *Manager) Cancel(id string) error {
	prev, err := m.store.MarkCancelRequested(id)
	if err != nil {
		return err
	}

	if prev == StatusQueued {
		err := m.store.Update(id, func(r *Record) error {
			if r.Status != StatusCancelRequested || !r.StartedAt.IsZero() {
				return errSkip
			}
			r.Status = StatusCancelled
			r.CompletedAt = m.store.Now()
			return nil
		})
		if err == nil {
			m.logger.Info("task cancelled while queued", "task_id", id)
		}
	} else {
		m.logger.Info("cancellation requested for running task", "task_id", id)
	}
	m.hub.Publish(id)
	return nil
}

// Subscribe streams the task's output, replaying history first.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan Message, error) {
	return m.hub.Subscribe(ctx, id)
}

// Stats returns the number of tasks per status.
func (m *Manager) Stats() map[Status]int {
	return m.store.Counts()
}

// Queued returns the number of ids waiting for a worker.
func (m *Manager) Queued() int {
	return m.queue.len()
}
