package router

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one parsed Server-Sent Event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
	Err   error // non-nil on a read or parse error
}

// parseSSE reads SSE events from a reader and sends them to the events
// channel. The channel is closed when the reader is exhausted or errors.
func parseSSE(r io.Reader, events chan<- sseEvent) {
	defer close(events)

	scanner := bufio.NewScanner(r)
	// Large JSON payloads need headroom beyond the default token size.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var event sseEvent
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Empty line dispatches the accumulated event.
			if len(dataLines) > 0 {
				event.Data = strings.Join(dataLines, "\n")
				events <- event
			}
			event = sseEvent{}
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimPrefix(strings.TrimPrefix(line, "id:"), " ")
		}
		// Comments (lines starting with :) and unknown fields are ignored.
	}

	if len(dataLines) > 0 {
		event.Data = strings.Join(dataLines, "\n")
		events <- event
	}

	if err := scanner.Err(); err != nil {
		events <- sseEvent{Err: err}
	}
}
