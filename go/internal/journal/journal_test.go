package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mcdev12/studysync/go/internal/presence"
)

type memorySink struct {
	mu      sync.Mutex
	changes []presence.Change
	fail    bool
	closed  bool
}

func (s *memorySink) Record(ctx context.Context, c presence.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db down")
	}
	s.changes = append(s.changes, c)
	return nil
}

func (s *memorySink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func TestOpenWithoutDSNIsNoop(t *testing.T) {
	sink := Open(context.Background(), "")
	assert.Equal(t, "noop", Mode(sink))
	assert.Equal(t, "empty database url", NoopReason(sink))
	assert.NoError(t, sink.Record(context.Background(), presence.Change{UserID: "u1"}))
	sink.Close()
}

func TestWriterFlushesOnClose(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, 8)

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	w.Observe(presence.Change{GroupID: "g1", UserID: "u1", To: presence.StatusOnline, At: at})
	w.Observe(presence.Change{GroupID: "g1", UserID: "u1", From: presence.StatusOnline, To: presence.StatusStudying, At: at})
	w.Close()

	assert.True(t, sink.closed)
	assert.Len(t, sink.changes, 2)
	assert.Equal(t, presence.StatusStudying, sink.changes[1].To)

	w.Observe(presence.Change{UserID: "late"})
	w.Close()
	assert.Len(t, sink.changes, 2)
}

func TestWriterSurvivesSinkErrors(t *testing.T) {
	sink := &memorySink{fail: true}
	w := NewWriter(sink, 8)
	w.Observe(presence.Change{UserID: "u1"})
	w.Close()
	assert.Empty(t, sink.changes)
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	assert.Equal(t, "Idle", *nullable(presence.StatusIdle))
}
