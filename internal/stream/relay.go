package stream

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FlushWriter is a response body that can push buffered bytes to the client.
type FlushWriter interface {
	io.Writer
	Flush()
}

// SetHeaders prepares a response for a long-lived event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Relay copies sub's events to w until the broadcaster closes, an error frame
// is written, ctx ends or a write fails. A comment frame is written whenever
// the stream has been idle for heartbeat. Only the relay's own subscription is
// affected when it returns; the producer keeps running.
func Relay(ctx context.Context, w FlushWriter, sub *Subscription, heartbeat time.Duration) error {
	defer sub.Cancel()

	var tick <-chan time.Time
	if heartbeat > 0 {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		for {
			e, ok, done := sub.TryNext()
			if ok {
				if err := WriteEvent(w, e); err != nil {
					return err
				}
				if e.Type == EventError {
					w.Flush()
					return nil
				}
				continue
			}
			if done {
				w.Flush()
				return nil
			}
			break
		}
		w.Flush()

		select {
		case <-sub.Wait():
		case <-tick:
			if err := WriteComment(w, "keepalive"); err != nil {
				return err
			}
			w.Flush()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
