package task

import (
	"context"
	"errors"
	"fmt"
)

// workerLoop is one execution slot: it claims the oldest queued task, runs
// it to a terminal state and goes back for the next.
func (m *Manager) workerLoop(ctx context.Context, slot int) {
	defer m.wg.Done()
	for {
		id, ok := m.queue.next(ctx, m.claim)
		if !ok {
			m.logger.Debug("worker shutting down", "slot", slot)
			return
		}
		m.processTask(ctx, id, slot)
	}
}

// claim moves a queued task to in_progress. It runs under the queue lock.
func (m *Manager) claim(id string) bool {
	err := m.store.Update(id, func(r *Record) error {
		if r.Status != StatusQueued {
			return errSkip
		}
		r.Status = StatusInProgress
		r.StartedAt = m.store.Now()
		r.Progress = 5
		return nil
	})
	if err != nil {
		return false
	}
	m.hub.Publish(id)
	return true
}

// processTask executes a claimed task. Panics and errors from the provider
// are folded into the record so the slot survives.
func (m *Manager) processTask(ctx context.Context, id string, slot int) {
	rec, err := m.store.Get(id)
	if err != nil {
		return
	}
	log := m.logger.With("task_id", id, "model", rec.Model, "slot", slot)
	log.Info("processing task")

	prov, err := m.resolver.Resolve(rec.Model)
	if err != nil {
		m.finalize(ctx, id, "", &TaskError{Kind: KindInvalidModel, Message: err.Error()})
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	defer cancel()
	if err := m.store.attachCancel(id, cancel); err != nil {
		return
	}

	req := Request{TaskID: id, Model: rec.Model, Query: rec.Query, Options: rec.Options}
	runErr := runProvider(taskCtx, prov, req, func(ev Event) error {
		return m.appendEvent(id, ev)
	})

	var taskErr *TaskError
	if runErr != nil {
		taskErr = toTaskError(runErr, prov.Name(), taskCtx)
	}
	status := m.finalize(ctx, id, prov.Name(), taskErr)
	if status != "" {
		log.Info("task finished", "status", status)
	}
}

func runProvider(ctx context.Context, p Provider, req Request, emit func(Event) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider %s panicked: %v", p.Name(), r)
		}
	}()
	return p.Stream(ctx, req, emit)
}

// appendEvent is the per-event checkpoint. It refuses the event once
// cancellation was requested or the task was evicted.
func (m *Manager) appendEvent(id string, ev Event) error {
	err := m.store.Update(id, func(r *Record) error {
		if r.CancelRequested {
			return errCancelled
		}
		r.Chunks = append(r.Chunks, ev)
		r.Progress = nextProgress(r.Progress)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			return errCancelled
		}
		return err
	}
	m.hub.Publish(id)
	return nil
}

// nextProgress approaches 95 asymptotically; 100 is reserved for completion.
func nextProgress(p int) int {
	step := (95 - p) / 20
	if step < 1 {
		step = 1
	}
	if p+step > 95 {
		return 95
	}
	return p + step
}

// finalize records the terminal state. A cancellation request, or the
// manager shutting down, wins over whatever the provider returned.
func (m *Manager) finalize(ctx context.Context, id, provider string, taskErr *TaskError) Status {
	var final Status
	err := m.store.Update(id, func(r *Record) error {
		switch {
		case r.CancelRequested:
			r.Status = StatusCancelled
		case taskErr != nil && ctx.Err() != nil:
			r.Status = StatusCancelled
		case taskErr != nil:
			r.Status = StatusFailed
			r.Error = taskErr
		default:
			r.Status = StatusCompleted
			r.Progress = 100
		}
		r.CompletedAt = m.store.Now()
		final = r.Status
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logger.Warn("task evicted before it finished, result discarded", "task_id", id, "provider", provider)
		}
		return ""
	}
	m.hub.Publish(id)
	return final
}

func toTaskError(err error, provider string, taskCtx context.Context) *TaskError {
	var pf ProviderFailure
	switch {
	case errors.As(err, &pf):
		return &TaskError{Kind: KindProviderError, Message: pf.Error(), Provider: pf.ProviderName(), Code: pf.ErrorCode()}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		return &TaskError{Kind: KindProviderError, Message: "provider did not finish in time", Provider: provider, Code: "timeout"}
	}
	return &TaskError{Kind: KindProviderError, Message: err.Error(), Provider: provider}
}
