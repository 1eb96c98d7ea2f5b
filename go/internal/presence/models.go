package presence

import (
	"time"
)

// Status is the display state of a group member
type Status string

const (
	StatusOnline   Status = "Online"
	StatusIdle     Status = "Idle"
	StatusStudying Status = "Studying"
)

// Entry is the last known presence of one member.
// StartTime is set if and only if Status is StatusStudying.
type Entry struct {
	UserID       string
	Status       Status
	SubjectTitle string
	SubjectColor string
	BaseSeconds  int64
	StartTime    *time.Time
}

// LiveSeconds returns the banked seconds plus the running interval at now.
func (e *Entry) LiveSeconds(now time.Time) int64 {
	if e.Status != StatusStudying || e.StartTime == nil {
		return e.BaseSeconds
	}
	return e.BaseSeconds + ElapsedSeconds(*e.StartTime, now)
}

// ElapsedSeconds is floor((now - start) / 1s), clamped to zero on clock skew.
func ElapsedSeconds(start, now time.Time) int64 {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func (e *Entry) studyFrom(start time.Time, base int64, title, color string) {
	st := start
	e.Status = StatusStudying
	e.StartTime = &st
	e.BaseSeconds = base
	e.SubjectTitle = title
	e.SubjectColor = color
}

func (e *Entry) settle(status Status, base int64) {
	e.Status = status
	e.StartTime = nil
	e.BaseSeconds = base
	e.SubjectTitle = ""
	e.SubjectColor = ""
}

// View is a read-only copy of an entry with the live duration resolved.
type View struct {
	UserID       string     `json:"user_id"`
	Status       Status     `json:"status"`
	SubjectTitle string     `json:"subject_title,omitempty"`
	SubjectColor string     `json:"subject_color,omitempty"`
	BaseSeconds  int64      `json:"base_duration_sec"`
	LiveSeconds  int64      `json:"live_duration_sec"`
	StartTime    *time.Time `json:"start_time,omitempty"`
}

func (e *Entry) view(now time.Time) View {
	v := View{
		UserID:       e.UserID,
		Status:       e.Status,
		SubjectTitle: e.SubjectTitle,
		SubjectColor: e.SubjectColor,
		BaseSeconds:  e.BaseSeconds,
		LiveSeconds:  e.LiveSeconds(now),
	}
	if e.StartTime != nil {
		st := *e.StartTime
		v.StartTime = &st
	}
	return v
}

// Change describes one transition applied to the table.
type Change struct {
	GroupID string    `json:"group_id"`
	UserID  string    `json:"user_id"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to,omitempty"`
	Removed bool      `json:"removed,omitempty"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
	Entry   *View     `json:"entry,omitempty"`
}

// Outcome reports what the reconciler did with an event.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	// OutcomeIgnored: unknown user, self, or an event the table does not handle.
	OutcomeIgnored
	// OutcomeSuppressed: a status update lost to the studying priority rule.
	OutcomeSuppressed
	// OutcomeResync: the event carries too little to apply; a fresh snapshot is needed.
	OutcomeResync
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeResync:
		return "resync"
	default:
		return "unknown"
	}
}
