package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains a subscription until it closes.
func collect(t *testing.T, ch <-chan Message) []Message {
	t.Helper()
	var msgs []Message
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		case <-timeout:
			t.Fatalf("subscription did not close, got %d messages", len(msgs))
			return msgs
		}
	}
}

func eventsOf(msgs []Message) []Event {
	var evs []Event
	for _, m := range msgs {
		if m.Event != nil {
			evs = append(evs, *m.Event)
		}
	}
	return evs
}

func TestHub_LateSubscriberSeesSameSequence(t *testing.T) {
	halfway := make(chan struct{})
	resume := make(chan struct{})
	p := &fakeProvider{streamFunc: func(ctx context.Context, req Request, emit func(Event) error) error {
		for i := 0; i < 6; i++ {
			if i == 3 {
				close(halfway)
				<-resume
			}
			if err := emit(Event{Kind: EventChunk, Text: fmt.Sprintf("c%d", i)}); err != nil {
				return err
			}
		}
		return nil
	}}
	m := newTestManager(t, testConfig(), p)
	rec, err := m.Submit("m1", "hello", Options{})
	require.NoError(t, err)

	ctx := context.Background()
	early, err := m.Subscribe(ctx, rec.ID)
	require.NoError(t, err)
	first := <-early
	assert.Equal(t, StatusQueued, first.Status, "early subscriber sees the queued state first")

	startManager(t, m)
	<-halfway
	late, err := m.Subscribe(ctx, rec.ID)
	require.NoError(t, err)
	close(resume)

	earlyMsgs := append([]Message{first}, collect(t, early)...)
	lateMsgs := collect(t, late)

	final, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Chunks, eventsOf(earlyMsgs))
	assert.Equal(t, final.Chunks, eventsOf(lateMsgs))

	for _, msgs := range [][]Message{earlyMsgs, lateMsgs} {
		last := msgs[len(msgs)-1]
		assert.True(t, last.End)
		assert.Equal(t, StatusCompleted, last.Status)
	}
}

func TestHub_ReplayAfterCompletion(t *testing.T) {
	m := newTestManager(t, testConfig(), &fakeProvider{})
	startManager(t, m)

	rec, _ := m.Submit("m1", "hello", Options{})
	waitForStatus(t, m, rec.ID, StatusCompleted)

	ch, err := m.Subscribe(context.Background(), rec.ID)
	require.NoError(t, err)
	msgs := collect(t, ch)

	require.Len(t, msgs, 3)
	assert.Equal(t, "ok", msgs[0].Event.Text)
	assert.Equal(t, StatusCompleted, msgs[1].Status)
	assert.Equal(t, 100, msgs[1].Progress)
	assert.True(t, msgs[2].End)
}

func TestHub_FailedTaskEndsWithError(t *testing.T) {
	p := &fakeProvider{streamFunc: func(ctx context.Context, req Request, emit func(Event) error) error {
		return fakeFailure{}
	}}
	m := newTestManager(t, testConfig(), p)
	startManager(t, m)

	rec, _ := m.Submit("m1", "hello", Options{})
	ch, err := m.Subscribe(context.Background(), rec.ID)
	require.NoError(t, err)
	msgs := collect(t, ch)

	require.GreaterOrEqual(t, len(msgs), 2)
	errMsg := msgs[len(msgs)-2]
	require.NotNil(t, errMsg.Err)
	assert.Equal(t, KindProviderError, errMsg.Err.Kind)
	end := msgs[len(msgs)-1]
	assert.True(t, end.End)
	assert.Equal(t, StatusFailed, end.Status)
}

func TestHub_UnknownTask(t *testing.T) {
	m := newTestManager(t, testConfig(), &fakeProvider{})
	_, err := m.Subscribe(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHub_EvictedMidStream(t *testing.T) {
	m := newTestManager(t, testConfig(), &fakeProvider{})
	rec, _ := m.Submit("m1", "hello", Options{})

	ch, err := m.Subscribe(context.Background(), rec.ID)
	require.NoError(t, err)
	first := <-ch
	assert.Equal(t, StatusQueued, first.Status)

	m.store.Delete(rec.ID)
	m.hub.Publish(rec.ID)

	msgs := collect(t, ch)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Err)
	assert.Equal(t, KindNotFound, msgs[0].Err.Kind)
	assert.Equal(t, "Task not found", msgs[0].Err.Message)
}

func TestHub_DisconnectDoesNotAffectTask(t *testing.T) {
	resume := make(chan struct{})
	p := &fakeProvider{streamFunc: func(ctx context.Context, req Request, emit func(Event) error) error {
		if err := emit(Event{Kind: EventChunk, Text: "a"}); err != nil {
			return err
		}
		<-resume
		return emit(Event{Kind: EventChunk, Text: "b"})
	}}
	m := newTestManager(t, testConfig(), p)
	startManager(t, m)
	rec, _ := m.Submit("m1", "hello", Options{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Subscribe(ctx, rec.ID)
	require.NoError(t, err)
	cancel()
	collect(t, ch)

	close(resume)
	done := waitForStatus(t, m, rec.ID, StatusCompleted)
	assert.Len(t, done.Chunks, 2)
}
