package activity

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/events"
)

const (
	DefaultIdleAfter = 10 * time.Minute
	emitTimeout      = 5 * time.Second
)

// Emitter sends self-reports to the realtime server.
type Emitter interface {
	Emit(ctx context.Context, name events.Name, data any) error
}

// Monitor turns input activity and window visibility into userActive/userIdle reports.
// Only transitions are reported.
type Monitor struct {
	emitter   Emitter
	clock     clockwork.Clock
	idleAfter time.Duration

	mu       sync.Mutex
	timer    clockwork.Timer
	reported events.Name
	stopped  bool
}

// NewMonitor creates a monitor that goes idle after idleAfter without input.
func NewMonitor(emitter Emitter, clock clockwork.Clock, idleAfter time.Duration) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	return &Monitor{
		emitter:   emitter,
		clock:     clock,
		idleAfter: idleAfter,
	}
}

// Start reports the user active and arms the idle timer.
func (m *Monitor) Start() {
	m.Touch()
}

// Touch records input activity.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.report(events.UserActive)
	m.armLocked()
}

// SetHidden records a visibility change. Hiding reports idle at once; showing counts as
// activity.
func (m *Monitor) SetHidden(hidden bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if hidden {
		m.report(events.UserIdle)
		return
	}
	m.report(events.UserActive)
	m.armLocked()
}

// Idle reports whether the last report was userIdle.
func (m *Monitor) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reported == events.UserIdle
}

// Stop disarms the idle timer. No report is sent after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *Monitor) armLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.clock.AfterFunc(m.idleAfter, m.expire)
}

func (m *Monitor) expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	log.Debug().Dur("idle_after", m.idleAfter).Msg("no input, going idle")
	m.report(events.UserIdle)
}

// report emits name unless it is already the reported state. Called with mu held so
// reports leave in the order they were decided.
func (m *Monitor) report(name events.Name) {
	if m.reported == name {
		return
	}
	m.reported = name

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := m.emitter.Emit(ctx, name, nil); err != nil {
		log.Warn().Err(err).Str("event", string(name)).Msg("failed to report activity")
	}
}
