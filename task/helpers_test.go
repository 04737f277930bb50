package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"cometsearch/config"
	"cometsearch/logger"

	"github.com/stretchr/testify/require"
)

// fakeProvider runs streamFunc for every task.
type fakeProvider struct {
	streamFunc func(ctx context.Context, req Request, emit func(Event) error) error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	if f.streamFunc != nil {
		return f.streamFunc(ctx, req, emit)
	}
	return emit(Event{Kind: EventChunk, Text: "ok"})
}

// pickyProvider only accepts plain text attachments.
type pickyProvider struct{ fakeProvider }

func (p *pickyProvider) AcceptUpload(mime string) error {
	if mime != "text/plain" {
		return fmt.Errorf("cannot forward %s", mime)
	}
	return nil
}

var errUnknownModel = errors.New("unknown model")

// fakeResolver serves every model except "bad".
type fakeResolver struct{ p Provider }

func (r fakeResolver) Resolve(model string) (Provider, error) {
	if model == "bad" {
		return nil, errUnknownModel
	}
	return r.p, nil
}

type fakeFailure struct{}

func (fakeFailure) Error() string        { return "upstream said no" }
func (fakeFailure) ProviderName() string { return "fake" }
func (fakeFailure) ErrorCode() string    { return "429" }

func testConfig() *config.Config {
	return &config.Config{
		Workers:             1,
		MaxTaskAge:          time.Hour,
		TaskCleanupInterval: time.Hour,
		ProviderTimeout:     10 * time.Second,
	}
}

func newTestManager(t *testing.T, cfg *config.Config, p Provider, opts ...StoreOption) *Manager {
	t.Helper()
	m, err := NewManager(cfg, fakeResolver{p: p}, logger.Discard(), opts...)
	require.NoError(t, err)
	return m
}

// startManager starts m and stops it when the test ends.
func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = m.Get(id)
		return err == nil && rec.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s (last: %s)", id, want, rec.Status)
	return rec
}

// stepClock is a deterministic clock advancing one millisecond per reading.
type stepClock struct {
	base  time.Time
	ticks atomic.Int64
	extra atomic.Int64
}

func newStepClock() *stepClock {
	return &stepClock{base: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) now() time.Time {
	n := c.ticks.Add(1)
	return c.base.Add(time.Duration(n)*time.Millisecond + time.Duration(c.extra.Load()))
}

func (c *stepClock) advance(d time.Duration) { c.extra.Add(int64(d)) }
