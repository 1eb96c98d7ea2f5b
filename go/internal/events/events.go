package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Name is the event name carried on the push channel
type Name string

// Events consumed from the push channel.
const (
	UserStartedStudying Name = "userStartedStudying"
	UserStoppedStudying Name = "userStoppedStudying"
	UserStatusUpdate    Name = "userStatusUpdate"
	UserDisconnected    Name = "userDisconnected"
	UserJoined          Name = "userJoined"
	UserLeft            Name = "userLeft"
	GroupStatus         Name = "groupStatus"

	// Connected and ConnectionLost never travel on the wire; transports raise them locally.
	Connected      Name = "connect"
	ConnectionLost Name = "connectionLost"
)

// Events produced by the local user.
const (
	Authenticate   Name = "authenticate"
	SessionStarted Name = "sessionStarted"
	SessionStopped Name = "sessionStopped"
	UserIdle       Name = "userIdle"
	UserActive     Name = "userActive"
	GetGroupStatus Name = "getGroupStatus"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMissingUserID  = errors.New("missing userId")
	ErrMissingGroupID = errors.New("missing groupId")
	ErrInvalidStatus  = errors.New("invalid status")
)

// Event is a parsed, well-typed push event. The concrete type is selected by EventName.
type Event interface {
	EventName() Name
}

// Envelope is the frame exchanged with the realtime server
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw frame into a typed event.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return Parse(env)
}

// Encode builds a frame for an outgoing event. A nil data produces a frame without payload.
func Encode(name Name, data any) ([]byte, error) {
	env := Envelope{Event: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", name, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Parse validates an envelope and converts it into the matching payload struct
func Parse(env Envelope) (Event, error) {
	switch env.Event {
	case UserStartedStudying:
		var payload UserStartedStudyingPayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		if payload.UserID == "" {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingUserID)
		}
		if payload.SessionData.AccumulatedSeconds < 0 {
			payload.SessionData.AccumulatedSeconds = 0
		}
		return payload, nil

	case UserStoppedStudying:
		var payload UserStoppedStudyingPayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		if payload.UserID == "" {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingUserID)
		}
		if payload.DailyTotalSeconds != nil && *payload.DailyTotalSeconds < 0 {
			payload.DailyTotalSeconds = nil
		}
		return payload, nil

	case UserStatusUpdate:
		var payload UserStatusUpdatePayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		if payload.UserID == "" {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingUserID)
		}
		status, err := ParseReportedStatus(string(payload.Status))
		if err != nil {
			return nil, err
		}
		payload.Status = status
		return payload, nil

	case UserDisconnected:
		var payload UserDisconnectedPayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		if payload.UserID == "" {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingUserID)
		}
		return payload, nil

	case UserJoined, UserLeft:
		var payload MembershipPayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		if payload.GroupID == "" {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingGroupID)
		}
		payload.Kind = env.Event
		return payload, nil

	case GroupStatus:
		var payload GroupStatusPayload
		if err := unmarshalData(env, &payload); err != nil {
			return nil, err
		}
		if payload.GroupID == "" {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingGroupID)
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// ParseReportedStatus accepts "Online" and "Idle" in any letter case.
func ParseReportedStatus(s string) (ReportedStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return ReportedOnline, nil
	case "idle":
		return ReportedIdle, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Event, err)
	}
	return nil
}
