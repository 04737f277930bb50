package task

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusQueued          Status = "queued"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusCancelRequested Status = "cancel_requested"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled, StatusCancelRequested:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusQueued:          {StatusInProgress, StatusCancelRequested, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusFailed, StatusCancelled, StatusCancelRequested},
	StatusCancelRequested: {StatusCancelled},
}

func canTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type EventKind string

const (
	EventChunk            EventKind = "chunk"
	EventReasoning        EventKind = "reasoning"
	EventWebSearchResults EventKind = "web_search_results"
	EventChartConfig      EventKind = "chart_config"
	EventImage            EventKind = "image"
)

type SearchResult struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// Event is one unit of provider output. Only the field matching Kind is set.
type Event struct {
	Kind        EventKind
	Text        string
	Results     []SearchResult
	ChartConfig json.RawMessage
	ImageBase64 string
}

// MarshalJSON renders the event in its wire form, e.g. {"chunk":"..."}.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventChunk, EventReasoning:
		return json.Marshal(map[string]string{string(e.Kind): e.Text})
	case EventWebSearchResults:
		results := e.Results
		if results == nil {
			results = []SearchResult{}
		}
		return json.Marshal(map[string][]SearchResult{string(e.Kind): results})
	case EventChartConfig:
		cfg := e.ChartConfig
		if len(cfg) == 0 {
			cfg = json.RawMessage("null")
		}
		return json.Marshal(map[string]json.RawMessage{string(e.Kind): cfg})
	case EventImage:
		return json.Marshal(map[string]string{"image_base64": e.ImageBase64})
	}
	return json.Marshal(map[string]string{"kind": string(e.Kind)})
}

// Upload is a file attached to a submission, already decoded.
type Upload struct {
	Data     []byte
	MIMEType string
}

type Options struct {
	WebSearch bool
	Upload    *Upload
}

// TaskError is the structured failure payload stored on failed records.
type TaskError struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Code     string `json:"code,omitempty"`
}

func (e *TaskError) Error() string { return e.Kind + ": " + e.Message }

// Record is one submitted job and everything it has produced so far.
// Values handed out by the Store are snapshots; mutate through Store.Update.
type Record struct {
	ID              string
	Model           string
	Query           string
	Options         Options
	Status          Status
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	Progress        int
	Chunks          []Event
	Error           *TaskError
	CancelRequested bool
}

// Duration is the execution time, zero until the task has both started and finished.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Text concatenates all chunk events.
func (r Record) Text() string {
	var n int
	for _, ev := range r.Chunks {
		if ev.Kind == EventChunk {
			n += len(ev.Text)
		}
	}
	buf := make([]byte, 0, n)
	for _, ev := range r.Chunks {
		if ev.Kind == EventChunk {
			buf = append(buf, ev.Text...)
		}
	}
	return string(buf)
}

// Summary is the list view of a Record.
type Summary struct {
	ID          string     `json:"id"`
	Model       string     `json:"model"`
	Query       string     `json:"query"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Duration    *float64   `json:"duration"`
	ChunksCount int        `json:"chunks_count"`
}

func (r Record) Summary() Summary {
	s := Summary{
		ID:          r.ID,
		Model:       r.Model,
		Query:       Preview(r.Query, 100),
		Status:      r.Status,
		Progress:    r.Progress,
		CreatedAt:   r.CreatedAt,
		ChunksCount: len(r.Chunks),
	}
	if !r.StartedAt.IsZero() {
		t := r.StartedAt
		s.StartedAt = &t
	}
	if !r.CompletedAt.IsZero() {
		t := r.CompletedAt
		s.CompletedAt = &t
	}
	if d := r.Duration(); d > 0 {
		secs := d.Seconds()
		s.Duration = &secs
	}
	return s
}

// Preview truncates s to at most n runes, marking the cut with "...".
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// Request is what a Provider receives for one task.
type Request struct {
	TaskID  string
	Model   string
	Query   string
	Options Options
}

// Provider performs the upstream model call. emit is the cancellation
// checkpoint: when it returns an error the provider must stop and return it.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, emit func(Event) error) error
}

// UploadAcceptor is implemented by providers that only forward some kinds
// of attachment. Submit consults it before a record is created.
type UploadAcceptor interface {
	AcceptUpload(mime string) error
}

// Resolver maps a model identifier to the Provider serving it.
type Resolver interface {
	Resolve(model string) (Provider, error)
}

// ProviderFailure is implemented by upstream errors that carry provider metadata.
type ProviderFailure interface {
	error
	ProviderName() string
	ErrorCode() string
}
