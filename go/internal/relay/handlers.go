package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/groupsync"
	"github.com/mcdev12/studysync/go/internal/presence"
	"github.com/mcdev12/studysync/go/internal/session"
	"github.com/mcdev12/studysync/go/internal/studyapi"
)

// Groups gives the relay access to the watched group views.
type Groups interface {
	View(groupID string) (*groupsync.View, error)
	Groups() []string
	Join(ctx context.Context, groupID string) (*groupsync.View, error)
}

// Sessions controls the local user's study session.
type Sessions interface {
	State() session.State
	Start(ctx context.Context, subjectID string) (*studyapi.Session, error)
	Stop(ctx context.Context) (int64, error)
}

// Activity receives input and visibility signals from the UI.
type Activity interface {
	Touch()
	SetHidden(hidden bool)
}

// GroupPresenceResponse is the response of GET /api/groups/{id}/presence
type GroupPresenceResponse struct {
	GroupID string                  `json:"group_id"`
	Members []presence.View         `json:"members"`
	Counts  map[presence.Status]int `json:"counts"`
}

// GroupSummary is one row of GET /api/groups
type GroupSummary struct {
	GroupID string `json:"group_id"`
	Members int    `json:"members"`
	Clients int    `json:"clients"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the local presence API and the relay websocket.
type Handler struct {
	groups      Groups
	sessions    Sessions
	activity    Activity
	connections *ConnectionManager
	gatherer    prometheus.Gatherer
}

// NewHandler creates the relay handler. sessions, activity and gatherer may be nil.
func NewHandler(groups Groups, sessions Sessions, activity Activity, config ConnectionConfig, gatherer prometheus.Gatherer) *Handler {
	h := &Handler{
		groups:   groups,
		sessions: sessions,
		activity: activity,
		gatherer: gatherer,
	}
	h.connections = NewConnectionManager(config, h.handleCommand)
	return h
}

// Connections exposes the connection manager so table changes can be broadcast.
func (h *Handler) Connections() *ConnectionManager { return h.connections }

// RegisterRoutes registers every relay route with mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Connect RPC services
	mux.Handle(NewSessionServiceHandler(h))
	mux.Handle(NewPresenceServiceHandler(h))

	mux.HandleFunc("GET /api/groups", h.HandleListGroups)
	mux.HandleFunc("GET /api/groups/{id}/presence", h.HandleGetPresence)
	mux.HandleFunc("POST /api/groups/{id}/refresh", h.HandleRefresh)
	mux.HandleFunc("POST /api/groups/{id}/join", h.HandleJoin)

	mux.HandleFunc("GET /api/session", h.HandleGetSession)
	mux.HandleFunc("POST /api/session/start", h.HandleStartSession)
	mux.HandleFunc("POST /api/session/stop", h.HandleStopSession)

	mux.HandleFunc("GET /ws/presence", h.HandlePresenceConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// HandleListGroups handles GET /api/groups
func (h *Handler) HandleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.summaries())
}

// HandleGetPresence handles GET /api/groups/{id}/presence
func (h *Handler) HandleGetPresence(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, presenceOf(view))
}

// HandleRefresh handles POST /api/groups/{id}/refresh
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	view.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

// HandleJoin handles POST /api/groups/{id}/join
func (h *Handler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	view, err := h.groups.Join(r.Context(), groupID)
	if err != nil {
		log.Error().Err(err).Str("group_id", groupID).Msg("failed to join group")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, GroupSummary{GroupID: view.GroupID(), Members: view.Table().Len()})
}

// HandleGetSession handles GET /api/session
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeJSON(w, http.StatusOK, session.State{})
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.State())
}

// HandleStartSession handles POST /api/session/start
func (h *Handler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		http.NotFound(w, r)
		return
	}
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if _, err := h.sessions.Start(r.Context(), req.SubjectID); err != nil {
		log.Warn().Err(err).Str("subject_id", req.SubjectID).Msg("failed to start session")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.State())
}

// HandleStopSession handles POST /api/session/stop
func (h *Handler) HandleStopSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		http.NotFound(w, r)
		return
	}
	duration, err := h.sessions.Stop(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("failed to stop session")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, StopSessionResponse{DurationSec: duration})
}

// HandlePresenceConnection handles GET /ws/presence?group_id=
func (h *Handler) HandlePresenceConnection(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group_id")
	if groupID == "" {
		http.Error(w, "group_id is required", http.StatusBadRequest)
		return
	}
	view, ok := h.lookup(w, groupID)
	if !ok {
		return
	}

	if err := h.connections.UpgradeConnection(w, r, groupID, view.Table().List); err != nil {
		// the upgrader has already replied
		log.Error().Err(err).Str("group_id", groupID).Msg("failed to upgrade relay connection")
	}
}

// HandleConnectionStats handles GET /ws/stats
func (h *Handler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connections.Stats()
	total := 0
	for _, n := range stats {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_connections": total,
		"group_connections": stats,
	})
}

func (h *Handler) handleCommand(groupID string, cmd ClientCommand) {
	switch cmd.Type {
	case "activity":
		if h.activity != nil {
			h.activity.Touch()
		}
	case "visibility":
		if h.activity != nil {
			h.activity.SetHidden(cmd.Hidden)
		}
	case "refresh":
		if view, err := h.groups.View(groupID); err == nil {
			view.Refresh()
		}
	default:
		log.Debug().Str("type", cmd.Type).Msg("ignoring unknown client command")
	}
}

func (h *Handler) summaries() []GroupSummary {
	clients := h.connections.Stats()
	ids := h.groups.Groups()
	out := make([]GroupSummary, 0, len(ids))
	for _, id := range ids {
		view, err := h.groups.View(id)
		if err != nil {
			continue
		}
		out = append(out, GroupSummary{GroupID: id, Members: view.Table().Len(), Clients: clients[id]})
	}
	return out
}

func presenceOf(view *groupsync.View) GroupPresenceResponse {
	table := view.Table()
	return GroupPresenceResponse{
		GroupID: view.GroupID(),
		Members: table.List(),
		Counts:  table.Counts(),
	}
}

func (h *Handler) lookup(w http.ResponseWriter, groupID string) (*groupsync.View, bool) {
	view, err := h.groups.View(groupID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return view, true
}

func statusFor(err error) int {
	var apiErr *studyapi.APIError
	switch {
	case errors.Is(err, groupsync.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoSubject):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrAlreadyRunning), errors.Is(err, session.ErrNoActiveSession):
		return http.StatusConflict
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
