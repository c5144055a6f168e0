package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/statabridge/server/internal/exectypes"
)

// Broadcaster fans out StreamFrames to multiple SSE clients. One
// Broadcaster per in-flight streamed run. Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []exectypes.StreamFrame
	clients map[uint64]chan exectypes.StreamFrame
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on Close(), not on a slow-client drop
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan exectypes.StreamFrame),
		doneCh:  make(chan struct{}),
	}
}

// Send pushes one frame to every subscriber, recording it in history for
// late subscribers.
func (b *Broadcaster) Send(frame exectypes.StreamFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, frame)
	for id, ch := range b.clients {
		select {
		case ch <- frame:
		default:
			// Slow client: drop rather than block the tailer.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns a frame channel replaying history then live frames, a
// done channel closed only when the broadcaster itself closes (so callers
// can tell "run finished" apart from "I was dropped for being slow"), and
// an unsubscribe function.
func (b *Broadcaster) Subscribe() (<-chan exectypes.StreamFrame, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan exectypes.StreamFrame, len(b.history)+256)
	id := b.nextID
	b.nextID++

	for _, frame := range b.history {
		ch <- frame
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more frames will be sent and closes every client
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of every frame sent so far.
func (b *Broadcaster) History() []exectypes.StreamFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]exectypes.StreamFrame, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams a Broadcaster's frames to an HTTP response as
// Server-Sent Events, one "event: <kind>\ndata: <line>\n\n" per frame so
// a client can dispatch on status/stdout/error/done without parsing the
// body. On client disconnect it returns without affecting the underlying
// run, which keeps executing on the worker (spec §4.6 step 5).
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprint(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
					// Slow-client drop: disconnect silently.
				}
				return
			}
			writeFrame(w, frame)
			flusher.Flush()
		}
	}
}

// writeFrame renders one StreamFrame as a single SSE data line. Frame
// text never contains raw newlines: the tailer splits the log on line
// boundaries and the done summary is pre-encoded as one JSON line.
func writeFrame(w http.ResponseWriter, frame exectypes.StreamFrame) {
	text := strings.ReplaceAll(frame.Text, "\n", " ")
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Kind, text)
}
