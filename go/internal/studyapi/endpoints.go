package studyapi

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mcdev12/studysync/go/internal/events"
)

const (
	EndpointTodayStats   = "/stats/today"
	EndpointGroups       = "/groups"
	EndpointStartSession = "/sessions/start"
	EndpointStopSession  = "/sessions/stop"
)

func groupMembersEndpoint(groupID string) string {
	return fmt.Sprintf("/groups/%s/members", url.PathEscape(groupID))
}

// Subject is a user-defined study subject
type Subject struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
	Color string `json:"color"`
}

// Session is a study session record owned by the server.
type Session struct {
	ID        string           `json:"_id"`
	Subject   Subject          `json:"subjectId"`
	StartTime events.Timestamp `json:"startTime"`
	EndTime   events.Timestamp `json:"endTime,omitempty"`
	Duration  int64            `json:"duration,omitempty"`
}

// TodayStats is the response of GET /stats/today.
type TodayStats struct {
	ActiveSession *Session `json:"activeSession"`
	TotalSeconds  int64    `json:"totalSeconds,omitempty"`
}

// Member is one entry of a group roster
type Member struct {
	ID         string `json:"_id"`
	UserID     string `json:"userId,omitempty"`
	Username   string `json:"username"`
	ProfilePic string `json:"profilePic,omitempty"`
}

// MemberID returns the user id, whichever field the server populated.
func (m Member) MemberID() string {
	if m.UserID != "" {
		return m.UserID
	}
	return m.ID
}

// Group is a study group the user belongs to
type Group struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Members []Member `json:"members,omitempty"`
}

type startSessionRequest struct {
	SubjectID string `json:"subjectId"`
}

type stopSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// GetActiveSession returns the caller's running session, or nil when none is running.
func (c *Client) GetActiveSession(ctx context.Context) (*Session, error) {
	var stats TodayStats
	if err := c.Get(ctx, EndpointTodayStats, &stats); err != nil {
		return nil, fmt.Errorf("get today stats: %w", err)
	}
	return stats.ActiveSession, nil
}

// ListGroups returns the groups the caller belongs to.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := c.Get(ctx, EndpointGroups, &groups); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// GetGroupMembers returns the roster of a group.
func (c *Client) GetGroupMembers(ctx context.Context, groupID string) ([]Member, error) {
	var members []Member
	if err := c.Get(ctx, groupMembersEndpoint(groupID), &members); err != nil {
		return nil, fmt.Errorf("get members of group %s: %w", groupID, err)
	}
	return members, nil
}

// JoinGroup adds the caller to a group.
func (c *Client) JoinGroup(ctx context.Context, groupID string) error {
	if err := c.Post(ctx, groupMembersEndpoint(groupID), nil, nil); err != nil {
		return fmt.Errorf("join group %s: %w", groupID, err)
	}
	return nil
}

// StartSession starts a session for subjectID and returns the server's record.
func (c *Client) StartSession(ctx context.Context, subjectID string) (*Session, error) {
	var session Session
	if err := c.Post(ctx, EndpointStartSession, startSessionRequest{SubjectID: subjectID}, &session); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return &session, nil
}

// StopSession stops the running session.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	if err := c.Post(ctx, EndpointStopSession, stopSessionRequest{SessionID: sessionID}, nil); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}
