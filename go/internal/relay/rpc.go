package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mcdev12/studysync/go/internal/groupsync"
	"github.com/mcdev12/studysync/go/internal/session"
	"github.com/mcdev12/studysync/go/internal/studyapi"
)

const (
	// SessionServiceName is the fully-qualified name of the session RPC service.
	SessionServiceName = "studysync.v1.SessionService"
	// PresenceServiceName is the fully-qualified name of the presence RPC service.
	PresenceServiceName = "studysync.v1.PresenceService"
)

// Procedure paths of the relay RPC services.
const (
	SessionServiceGetSessionProcedure   = "/studysync.v1.SessionService/GetSession"
	SessionServiceStartSessionProcedure = "/studysync.v1.SessionService/StartSession"
	SessionServiceStopSessionProcedure  = "/studysync.v1.SessionService/StopSession"

	PresenceServiceListGroupsProcedure       = "/studysync.v1.PresenceService/ListGroups"
	PresenceServiceGetGroupPresenceProcedure = "/studysync.v1.PresenceService/GetGroupPresence"
	PresenceServiceJoinGroupProcedure        = "/studysync.v1.PresenceService/JoinGroup"
	PresenceServiceRefreshGroupProcedure     = "/studysync.v1.PresenceService/RefreshGroup"
)

type GetSessionRequest struct{}

type StartSessionRequest struct {
	SubjectID string `json:"subject_id"`
}

type StopSessionRequest struct{}

type StopSessionResponse struct {
	DurationSec int64 `json:"duration_sec"`
}

type ListGroupsRequest struct{}

type ListGroupsResponse struct {
	Groups []GroupSummary `json:"groups"`
}

type GroupRequest struct {
	GroupID string `json:"group_id"`
}

type RefreshGroupResponse struct{}

// JSONCodec marshals plain Go structs with encoding/json. It is registered under the
// "json" name, so Connect clients and handlers use it for application/json.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewSessionServiceHandler builds the session RPC service, returning its mount path.
func NewSessionServiceHandler(h *Handler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	getSession := connect.NewUnaryHandler(SessionServiceGetSessionProcedure, h.GetSession, opts...)
	startSession := connect.NewUnaryHandler(SessionServiceStartSessionProcedure, h.StartSession, opts...)
	stopSession := connect.NewUnaryHandler(SessionServiceStopSessionProcedure, h.StopSession, opts...)

	return "/" + SessionServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case SessionServiceGetSessionProcedure:
			getSession.ServeHTTP(w, r)
		case SessionServiceStartSessionProcedure:
			startSession.ServeHTTP(w, r)
		case SessionServiceStopSessionProcedure:
			stopSession.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// NewPresenceServiceHandler builds the presence RPC service, returning its mount path.
func NewPresenceServiceHandler(h *Handler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	listGroups := connect.NewUnaryHandler(PresenceServiceListGroupsProcedure, h.ListGroups, opts...)
	getGroupPresence := connect.NewUnaryHandler(PresenceServiceGetGroupPresenceProcedure, h.GetGroupPresence, opts...)
	joinGroup := connect.NewUnaryHandler(PresenceServiceJoinGroupProcedure, h.JoinGroup, opts...)
	refreshGroup := connect.NewUnaryHandler(PresenceServiceRefreshGroupProcedure, h.RefreshGroup, opts...)

	return "/" + PresenceServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PresenceServiceListGroupsProcedure:
			listGroups.ServeHTTP(w, r)
		case PresenceServiceGetGroupPresenceProcedure:
			getGroupPresence.ServeHTTP(w, r)
		case PresenceServiceJoinGroupProcedure:
			joinGroup.ServeHTTP(w, r)
		case PresenceServiceRefreshGroupProcedure:
			refreshGroup.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// GetSession implements SessionService.GetSession
func (h *Handler) GetSession(ctx context.Context, req *connect.Request[GetSessionRequest]) (*connect.Response[session.State], error) {
	state := session.State{}
	if h.sessions != nil {
		state = h.sessions.State()
	}
	return connect.NewResponse(&state), nil
}

// StartSession implements SessionService.StartSession
func (h *Handler) StartSession(ctx context.Context, req *connect.Request[StartSessionRequest]) (*connect.Response[session.State], error) {
	if h.sessions == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("sessions are not enabled"))
	}
	if _, err := h.sessions.Start(ctx, req.Msg.SubjectID); err != nil {
		return nil, connectError(err)
	}
	state := h.sessions.State()
	return connect.NewResponse(&state), nil
}

// StopSession implements SessionService.StopSession
func (h *Handler) StopSession(ctx context.Context, req *connect.Request[StopSessionRequest]) (*connect.Response[StopSessionResponse], error) {
	if h.sessions == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("sessions are not enabled"))
	}
	duration, err := h.sessions.Stop(ctx)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&StopSessionResponse{DurationSec: duration}), nil
}

// ListGroups implements PresenceService.ListGroups
func (h *Handler) ListGroups(ctx context.Context, req *connect.Request[ListGroupsRequest]) (*connect.Response[ListGroupsResponse], error) {
	return connect.NewResponse(&ListGroupsResponse{Groups: h.summaries()}), nil
}

// GetGroupPresence implements PresenceService.GetGroupPresence
func (h *Handler) GetGroupPresence(ctx context.Context, req *connect.Request[GroupRequest]) (*connect.Response[GroupPresenceResponse], error) {
	view, err := h.groups.View(req.Msg.GroupID)
	if err != nil {
		return nil, connectError(err)
	}
	res := presenceOf(view)
	return connect.NewResponse(&res), nil
}

// JoinGroup implements PresenceService.JoinGroup
func (h *Handler) JoinGroup(ctx context.Context, req *connect.Request[GroupRequest]) (*connect.Response[GroupSummary], error) {
	if req.Msg.GroupID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("group_id is required"))
	}
	view, err := h.groups.Join(ctx, req.Msg.GroupID)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&GroupSummary{GroupID: view.GroupID(), Members: view.Table().Len()}), nil
}

// RefreshGroup implements PresenceService.RefreshGroup
func (h *Handler) RefreshGroup(ctx context.Context, req *connect.Request[GroupRequest]) (*connect.Response[RefreshGroupResponse], error) {
	view, err := h.groups.View(req.Msg.GroupID)
	if err != nil {
		return nil, connectError(err)
	}
	view.Refresh()
	return connect.NewResponse(&RefreshGroupResponse{}), nil
}

func connectError(err error) *connect.Error {
	var apiErr *studyapi.APIError
	switch {
	case errors.Is(err, groupsync.ErrUnknownGroup):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, session.ErrNoSubject):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, session.ErrAlreadyRunning), errors.Is(err, session.ErrNoActiveSession):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.As(err, &apiErr):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
