package provider

import (
	"encoding/json"
	"strings"

	"cometsearch/task"
)

const (
	chartStartMarker = "[[CHARTJS_CONFIG_START]]"
	chartEndMarker   = "[[CHARTJS_CONFIG_END]]"

	// flushThreshold is how much plain text is buffered when no newline arrives.
	flushThreshold = 80
)

// chartSplitter regroups streamed text into chunk events, pulling out
// Chart.js configurations the model wraps in marker lines.
type chartSplitter struct {
	buf     string
	inBlock bool
}

func (s *chartSplitter) feed(delta string) []task.Event {
	var out []task.Event
	s.buf += delta

	for {
		if !s.inBlock {
			idx := strings.Index(s.buf, chartStartMarker)
			if idx < 0 {
				break
			}
			if idx > 0 {
				out = append(out, chunkEvent(s.buf[:idx]))
			}
			s.buf = s.buf[idx+len(chartStartMarker):]
			s.inBlock = true
		}

		idx := strings.Index(s.buf, chartEndMarker)
		if idx < 0 {
			return out
		}
		out = append(out, chartEvent(s.buf[:idx]))
		s.buf = s.buf[idx+len(chartEndMarker):]
		s.inBlock = false
	}

	if s.buf != "" && (strings.Contains(s.buf, "\n") || len(s.buf) > flushThreshold) {
		// Keep back a tail that might be the start of a marker.
		keep := partialMarker(s.buf, chartStartMarker)
		if emit := s.buf[:len(s.buf)-keep]; emit != "" {
			out = append(out, chunkEvent(emit))
		}
		s.buf = s.buf[len(s.buf)-keep:]
	}
	return out
}

// flush emits whatever is still buffered. An unterminated chart block is
// returned as plain text.
func (s *chartSplitter) flush() []task.Event {
	defer func() { s.buf, s.inBlock = "", false }()
	if s.inBlock {
		return []task.Event{chunkEvent(chartStartMarker + s.buf)}
	}
	if s.buf == "" {
		return nil
	}
	return []task.Event{chunkEvent(s.buf)}
}

// partialMarker returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialMarker(s, marker string) int {
	for n := min(len(marker)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

func chunkEvent(text string) task.Event {
	return task.Event{Kind: task.EventChunk, Text: text}
}

func chartEvent(raw string) task.Event {
	raw = strings.TrimSpace(raw)
	if json.Valid([]byte(raw)) {
		return task.Event{Kind: task.EventChartConfig, ChartConfig: json.RawMessage(raw)}
	}
	return chunkEvent(chartStartMarker + raw + chartEndMarker)
}
