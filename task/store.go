package task

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

type entry struct {
	rec    Record
	cancel context.CancelFunc // aborts the running provider call, if any
}

// Store is the concurrency-safe registry of task records. Every mutation goes
// through Update, Delete or MarkCancelRequested so readers never observe a
// partially applied change.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*entry
	order []string // creation order, oldest first
	now   func() time.Time
}

type StoreOption func(*Store)

// WithClock replaces time.Now, used by tests to drive eviction.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		tasks: make(map[string]*entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Create inserts a new queued record and returns a snapshot of it.
func (s *Store) Create(model, query string, opts Options) Record {
	now := s.now()
	rec := Record{
		ID:        fmt.Sprintf("%s_%d", shortuuid.New(), now.Unix()),
		Model:     model,
		Query:     query,
		Options:   opts,
		Status:    StatusQueued,
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rec.ID] = &entry{rec: rec}
	s.order = append(s.order, rec.ID)
	return rec
}

// Get returns a snapshot of the record.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return snapshot(e.rec), nil
}

func snapshot(r Record) Record {
	r.Chunks = slices.Clone(r.Chunks)
	if r.Error != nil {
		errCopy := *r.Error
		r.Error = &errCopy
	}
	return r
}

// List returns up to limit summaries of the newest matching records, newest
// first, plus the number of matches before the limit was applied. An empty
// filter matches every status; limit <= 0 means no limit.
func (s *Store) List(filter Status, limit int) ([]Summary, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := []Summary{}
	total := 0
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.tasks[s.order[i]]
		if filter != "" && e.rec.Status != filter {
			continue
		}
		total++
		if limit <= 0 || len(summaries) < limit {
			summaries = append(summaries, e.rec.Summary())
		}
	}
	return summaries, total
}

// Update applies fn to a working copy of the record and commits it only if fn
// succeeds and the resulting status change is allowed. Terminal records are
// immutable and yield ErrAlreadyTerminal.
func (s *Store) Update(id string, fn func(r *Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if e.rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	work := e.rec
	if err := fn(&work); err != nil {
		return err
	}
	if !canTransition(e.rec.Status, work.Status) {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, e.rec.Status, work.Status)
	}
	if len(work.Chunks) < len(e.rec.Chunks) {
		return fmt.Errorf("%w: chunks are append-only", errInvalidTransition)
	}
	// Immutable fields.
	work.ID, work.Model, work.Query, work.CreatedAt = e.rec.ID, e.rec.Model, e.rec.Query, e.rec.CreatedAt
	if work.Status.Terminal() {
		work.Chunks = slices.Clip(work.Chunks)
		e.cancel = nil
	}
	e.rec = work
	return nil
}

// Delete removes the record. Deleting a missing id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
}

// deleteLocked removes id and returns its entry, or nil if it was absent.
// The caller holds s.mu.
func (s *Store) deleteLocked(id string) *entry {
	e, ok := s.tasks[id]
	if !ok {
		return nil
	}
	delete(s.tasks, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return e
}

// MarkCancelRequested flags a queued or in-progress record for cancellation
// and returns the status it had before. A record already in cancel_requested
// is left as is. The running provider call, if any, is signalled to abort.
func (s *Store) MarkCancelRequested(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return "", ErrNotFound
	}
	prev := e.rec.Status
	switch prev {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return prev, ErrAlreadyTerminal
	case StatusQueued, StatusInProgress:
		e.rec.Status = StatusCancelRequested
		e.rec.CancelRequested = true
	}
	if e.cancel != nil {
		e.cancel()
	}
	return prev, nil
}

// attachCancel registers the abort function of a running task. If the task
// is already flagged the function is invoked right away.
func (s *Store) attachCancel(id string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if e.rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	e.cancel = cancel
	if e.rec.CancelRequested {
		cancel()
	}
	return nil
}

// evict removes every record created before cutoff and returns the abort
// functions of the ones that were still running.
func (s *Store) evict(cutoff time.Time) (ids []string, aborts []context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		if s.tasks[id].rec.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		if e := s.deleteLocked(id); e != nil && e.cancel != nil {
			aborts = append(aborts, e.cancel)
		}
	}
	return ids, aborts
}

// View is the part of a record a stream subscriber needs after a cursor.
type View struct {
	Events   []Event
	Status   Status
	Progress int
	Error    *TaskError
}

// ReadFrom returns the events appended at or after cursor together with the
// current status, read under one lock.
func (s *Store) ReadFrom(id string, cursor int) (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok {
		return View{}, ErrNotFound
	}
	v := View{Status: e.rec.Status, Progress: e.rec.Progress}
	if cursor < len(e.rec.Chunks) {
		v.Events = slices.Clone(e.rec.Chunks[cursor:])
	}
	if e.rec.Error != nil {
		errCopy := *e.rec.Error
		v.Error = &errCopy
	}
	return v, nil
}

// Counts returns the number of records per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int)
	for _, e := range s.tasks {
		counts[e.rec.Status]++
	}
	return counts
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
