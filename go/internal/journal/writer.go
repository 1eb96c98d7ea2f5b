package journal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/presence"
)

const (
	DefaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

// Writer records changes off the caller's goroutine. Observe is a presence.ChangeFunc;
// when the queue is full the change is dropped.
type Writer struct {
	sink  Sink
	queue chan presence.Change
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts draining into sink.
func NewWriter(sink Sink, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	w := &Writer{
		sink:  sink,
		queue: make(chan presence.Change, queueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Observe queues c for writing.
func (w *Writer) Observe(c presence.Change) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- c:
	default:
		log.Warn().
			Str("group_id", c.GroupID).
			Str("user_id", c.UserID).
			Msg("presence journal queue full, dropping transition")
	}
}

// Close flushes queued changes and closes the sink.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	w.sink.Close()
}

func (w *Writer) run() {
	defer close(w.done)
	for c := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := w.sink.Record(ctx, c); err != nil {
			log.Error().Err(err).Msg("failed to journal presence transition")
		}
		cancel()
	}
}
