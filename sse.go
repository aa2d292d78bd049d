package main

import (
	"fmt"
	"net/http"
	"time"
)

type flushWriter struct {
	w             http.ResponseWriter
	f             http.Flusher
	flushInterval time.Duration
	lastFlush     time.Time
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	now := time.Now()
	if fw.flushInterval <= 0 || fw.lastFlush.IsZero() || now.Sub(fw.lastFlush) >= fw.flushInterval {
		fw.f.Flush()
		fw.lastFlush = now
	}
	return n, err
}

// writeStreamEvent encodes one pool event onto an SSE response. Error events
// are rendered as an upstream-shaped error payload so clients parse them the
// same way as a direct call.
func writeStreamEvent(fw *flushWriter, ev StreamEvent) error {
	switch ev.Kind {
	case eventError:
		_, err := fmt.Fprintf(fw, "event: error\ndata: {\"type\":\"error\",\"error\":{\"message\":%q}}\n\n", ev.Message)
		return err
	case eventDone:
		if _, err := fmt.Fprintf(fw, "data: %s\n\n", ev.Data); err != nil {
			return err
		}
		_, err := fmt.Fprint(fw, "data: [DONE]\n\n")
		return err
	default:
		_, err := fmt.Fprintf(fw, "data: %s\n\n", ev.Data)
		return err
	}
}
