package task

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Message is one item delivered to a stream subscriber. Exactly one of
// Event, Err or End is meaningful unless it is a status update.
type Message struct {
	Event    *Event
	Status   Status
	Progress int
	Err      *TaskError
	End      bool
}

// Hub fans task output out to any number of subscribers. Each subscriber
// replays the record's chunk log from its own cursor and then sleeps on a
// per-task broadcast channel that is closed whenever the record changes.
type Hub struct {
	store  *Store
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]chan struct{}
}

func NewHub(store *Store, logger *slog.Logger) *Hub {
	return &Hub{
		store:  store,
		logger: logger.With("component", "stream_hub"),
		topics: make(map[string]chan struct{}),
	}
}

// watch returns a channel closed on the next Publish for id.
func (h *Hub) watch(id string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.topics[id]
	if !ok {
		ch = make(chan struct{})
		h.topics[id] = ch
	}
	return ch
}

// Publish wakes every subscriber of id.
func (h *Hub) Publish(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.topics[id]; ok {
		close(ch)
		delete(h.topics, id)
	}
}

// Subscribe replays what id has produced so far and then follows it live.
// The channel is closed after the end marker, on eviction, or when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, id string) (<-chan Message, error) {
	if _, err := h.store.ReadFrom(id, 0); err != nil {
		return nil, err
	}
	out := make(chan Message, 16)
	go h.pump(ctx, id, uuid.NewString(), out)
	return out, nil
}

func (h *Hub) pump(ctx context.Context, id, subID string, out chan<- Message) {
	defer close(out)
	log := h.logger.With("task_id", id, "subscriber_id", subID)
	log.Debug("subscriber attached")

	send := func(m Message) bool {
		select {
		case out <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}

	cursor := 0
	var lastStatus Status
	lastProgress := -1
	for {
		// Register before reading so a publish in between is not lost.
		changed := h.watch(id)
		view, err := h.store.ReadFrom(id, cursor)
		if err != nil {
			log.Debug("task vanished while streaming")
			send(Message{Err: &TaskError{Kind: KindNotFound, Message: "Task not found"}})
			return
		}

		for i := range view.Events {
			if !send(Message{Event: &view.Events[i]}) {
				return
			}
		}
		cursor += len(view.Events)

		if view.Status != lastStatus || view.Progress != lastProgress {
			if !send(Message{Status: view.Status, Progress: view.Progress}) {
				return
			}
			lastStatus, lastProgress = view.Status, view.Progress
		}

		if view.Status.Terminal() {
			if view.Error != nil && !send(Message{Err: view.Error}) {
				return
			}
			send(Message{End: true, Status: view.Status})
			log.Debug("subscriber finished", "status", view.Status)
			return
		}

		select {
		case <-changed:
		case <-ctx.Done():
			log.Debug("subscriber detached")
			return
		}
	}
}
