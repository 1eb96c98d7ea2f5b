package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event payload types shared between the push transports and the presence reconciler.
// Each payload is one arm of the Event union, keyed by its EventName.

// Timestamp accepts either an RFC 3339 string or epoch milliseconds on the wire.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse epoch millis %s: %w", data, err)
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// SessionData describes a member's running study interval.
type SessionData struct {
	SubjectTitle       string    `json:"subjectTitle"`
	SubjectColor       string    `json:"subjectColor"`
	StartTime          Timestamp `json:"startTime"`
	AccumulatedSeconds int64     `json:"accumulatedSeconds"`
}

// UserStartedStudyingPayload is the payload for a userStartedStudying event
type UserStartedStudyingPayload struct {
	UserID      string      `json:"userId"`
	SessionData SessionData `json:"sessionData"`
}

// UserStoppedStudyingPayload is the payload for a userStoppedStudying event.
// DailyTotalSeconds is nil when the server omitted it.
type UserStoppedStudyingPayload struct {
	UserID            string `json:"userId"`
	DailyTotalSeconds *int64 `json:"dailyTotalSeconds,omitempty"`
}

// ReportedStatus is the coarse status a peer reports about itself.
type ReportedStatus string

const (
	ReportedOnline ReportedStatus = "Online"
	ReportedIdle   ReportedStatus = "Idle"
)

// UserStatusUpdatePayload is the payload for a userStatusUpdate event
type UserStatusUpdatePayload struct {
	UserID string         `json:"userId"`
	Status ReportedStatus `json:"status"`
}

// UserDisconnectedPayload is the payload for a userDisconnected event
type UserDisconnectedPayload struct {
	UserID string `json:"userId"`
}

// MembershipPayload is the payload for userJoined and userLeft.
type MembershipPayload struct {
	Kind    Name   `json:"-"`
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

// StudyingUser is one row of a group status snapshot.
type StudyingUser struct {
	UserID      string      `json:"userId"`
	SessionData SessionData `json:"sessionData"`
}

// GroupStatusPayload is the response to getGroupStatus: the members currently studying.
type GroupStatusPayload struct {
	GroupID       string         `json:"groupId"`
	StudyingUsers []StudyingUser `json:"studyingUsers"`
}

// ConnectedPayload is raised locally by a transport after every successful (re)connect.
type ConnectedPayload struct {
	Reconnect bool `json:"reconnect"`
}

// ConnectionLostPayload is raised locally when a transport gives up reconnecting. The
// owner may Connect again.
type ConnectionLostPayload struct {
	Attempts int `json:"attempts"`
}

func (UserStartedStudyingPayload) EventName() Name { return UserStartedStudying }
func (UserStoppedStudyingPayload) EventName() Name { return UserStoppedStudying }
func (UserStatusUpdatePayload) EventName() Name    { return UserStatusUpdate }
func (UserDisconnectedPayload) EventName() Name    { return UserDisconnected }
func (GroupStatusPayload) EventName() Name         { return GroupStatus }
func (ConnectedPayload) EventName() Name           { return Connected }
func (ConnectionLostPayload) EventName() Name      { return ConnectionLost }

func (p MembershipPayload) EventName() Name {
	if p.Kind == "" {
		return UserJoined
	}
	return p.Kind
}

// Outgoing payloads reported by the local user.

// SessionStartedPayload is emitted after the session API confirmed a start.
type SessionStartedPayload struct {
	SessionID    string    `json:"sessionId"`
	SubjectID    string    `json:"subjectId"`
	SubjectTitle string    `json:"subjectTitle"`
	SubjectColor string    `json:"subjectColor"`
	StartTime    Timestamp `json:"startTime"`
}

// SessionStoppedPayload is emitted after the session API confirmed a stop.
type SessionStoppedPayload struct {
	SessionID string `json:"sessionId"`
	Duration  int64  `json:"duration"`
}
