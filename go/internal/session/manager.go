package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/events"
	"github.com/mcdev12/studysync/go/internal/sessionclock"
	"github.com/mcdev12/studysync/go/internal/studyapi"
)

var (
	ErrNoSubject        = errors.New("select a subject first")
	ErrAlreadyRunning   = errors.New("a session is already running")
	ErrNoActiveSession  = errors.New("no active session")
	errMissingSessionID = errors.New("session API returned no session id")
)

// API is the part of the study API that owns session records.
type API interface {
	GetActiveSession(ctx context.Context) (*studyapi.Session, error)
	StartSession(ctx context.Context, subjectID string) (*studyapi.Session, error)
	StopSession(ctx context.Context, sessionID string) error
}

// Emitter sends self-reports to the realtime server.
type Emitter interface {
	Emit(ctx context.Context, name events.Name, data any) error
}

// State is the local user's session as shown to the UI.
type State struct {
	Running        bool       `json:"running"`
	SessionID      string     `json:"session_id,omitempty"`
	SubjectID      string     `json:"subject_id,omitempty"`
	SubjectTitle   string     `json:"subject_title,omitempty"`
	SubjectColor   string     `json:"subject_color,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	ElapsedSeconds int64      `json:"elapsed_sec"`
}

// Manager drives the local user's study session: the server record, the local clock and
// the sessionStarted/sessionStopped reports.
type Manager struct {
	api     API
	emitter Emitter
	clock   clockwork.Clock
	timer   *sessionclock.Clock

	// opMu serializes Start, Stop and Resume; mu guards active.
	opMu   sync.Mutex
	mu     sync.RWMutex
	active *studyapi.Session
}

// NewManager creates a manager with no running session. onTick receives the elapsed
// seconds once per second while a session runs. emitter may be nil.
func NewManager(api API, emitter Emitter, clock clockwork.Clock, onTick sessionclock.TickFunc) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		api:     api,
		emitter: emitter,
		clock:   clock,
		timer:   sessionclock.New(clock, onTick),
	}
}

// Resume picks up a session left running on the server, e.g. after a restart.
// It reports whether a session was resumed.
func (m *Manager) Resume(ctx context.Context) (bool, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	session, err := m.api.GetActiveSession(ctx)
	if err != nil {
		return false, fmt.Errorf("resume session: %w", err)
	}
	if session == nil {
		return false, nil
	}

	start := m.startTimeOf(session)
	m.setActive(session)
	m.timer.Start(start)

	log.Info().
		Str("session_id", session.ID).
		Str("subject", session.Subject.Title).
		Int64("elapsed_sec", m.timer.Elapsed()).
		Msg("resumed running session")
	return true, nil
}

// Start begins a session for subjectID.
func (m *Manager) Start(ctx context.Context, subjectID string) (*studyapi.Session, error) {
	if subjectID == "" {
		return nil, ErrNoSubject
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.current() != nil {
		return nil, ErrAlreadyRunning
	}

	session, err := m.api.StartSession(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, fmt.Errorf("start session: %w", errMissingSessionID)
	}
	if session.Subject.ID == "" {
		session.Subject.ID = subjectID
	}

	start := m.startTimeOf(session)
	m.setActive(session)
	m.timer.Start(start)

	m.emit(ctx, events.SessionStarted, events.SessionStartedPayload{
		SessionID:    session.ID,
		SubjectID:    session.Subject.ID,
		SubjectTitle: session.Subject.Title,
		SubjectColor: session.Subject.Color,
		StartTime:    events.Timestamp{Time: start},
	})

	log.Info().
		Str("session_id", session.ID).
		Str("subject_id", session.Subject.ID).
		Msg("session started")
	return session, nil
}

// Stop ends the running session and returns its duration in seconds. The session keeps
// running locally when the server rejects the stop.
func (m *Manager) Stop(ctx context.Context) (int64, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	session := m.current()
	if session == nil {
		return 0, ErrNoActiveSession
	}

	duration := m.timer.Elapsed()
	if err := m.api.StopSession(ctx, session.ID); err != nil {
		return 0, err
	}

	m.timer.Stop()
	m.setActive(nil)

	m.emit(ctx, events.SessionStopped, events.SessionStoppedPayload{
		SessionID: session.ID,
		Duration:  duration,
	})

	log.Info().
		Str("session_id", session.ID).
		Int64("duration_sec", duration).
		Msg("session stopped")
	return duration, nil
}

// State returns a snapshot of the local session.
func (m *Manager) State() State {
	session := m.current()
	if session == nil {
		return State{}
	}
	start := m.timer.StartTime()
	return State{
		Running:        true,
		SessionID:      session.ID,
		SubjectID:      session.Subject.ID,
		SubjectTitle:   session.Subject.Title,
		SubjectColor:   session.Subject.Color,
		StartTime:      &start,
		ElapsedSeconds: m.timer.Elapsed(),
	}
}

// Close stops the local clock without touching the server record.
func (m *Manager) Close() {
	m.timer.Stop()
}

func (m *Manager) current() *studyapi.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) setActive(s *studyapi.Session) {
	m.mu.Lock()
	m.active = s
	m.mu.Unlock()
}

// startTimeOf defaults a missing start time to now.
func (m *Manager) startTimeOf(s *studyapi.Session) time.Time {
	if s.StartTime.IsZero() {
		return m.clock.Now()
	}
	return s.StartTime.Time
}

func (m *Manager) emit(ctx context.Context, name events.Name, data any) {
	if m.emitter == nil {
		return
	}
	if err := m.emitter.Emit(ctx, name, data); err != nil {
		log.Warn().Err(err).Str("event", string(name)).Msg("failed to report session change")
	}
}
