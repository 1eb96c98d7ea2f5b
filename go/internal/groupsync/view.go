package groupsync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/events"
	"github.com/mcdev12/studysync/go/internal/metrics"
	"github.com/mcdev12/studysync/go/internal/presence"
	"github.com/mcdev12/studysync/go/internal/realtime"
	"github.com/mcdev12/studysync/go/internal/studyapi"
)

const rosterTimeout = 10 * time.Second

// RosterSource fetches a group's membership list.
type RosterSource interface {
	GetGroupMembers(ctx context.Context, groupID string) ([]studyapi.Member, error)
}

// View owns the presence table of one group. Push events and pull results are applied by
// a single goroutine, in arrival order.
type View struct {
	groupID string
	selfID  string
	channel realtime.Channel
	roster  RosterSource
	metrics metrics.Collector
	table   *presence.Table

	pulls chan pull

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// owned by the run goroutine
	rosterInFlight bool
	rosterPending  bool
}

type pullKind int

const (
	pullRefresh pullKind = iota
	pullRoster
)

type pull struct {
	kind    pullKind
	members []string
	err     error
}

// NewView creates a view for groupID. Nothing happens until Start.
func NewView(groupID, selfID string, ch realtime.Channel, roster RosterSource, clock clockwork.Clock, m metrics.Collector) *View {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &View{
		groupID: groupID,
		selfID:  selfID,
		channel: ch,
		roster:  roster,
		metrics: m,
		table:   presence.NewTable(groupID, selfID, clock),
		pulls:   make(chan pull, 16),
	}
}

func (v *View) GroupID() string { return v.groupID }

// Table exposes the view's presence table for reads.
func (v *View) Table() *presence.Table { return v.table }

// Start subscribes to the push channel and requests an initial sync.
func (v *View) Start(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return
	}
	v.started = true

	runCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.done = make(chan struct{})

	sub, unsubscribe := v.channel.Subscribe(realtime.DefaultSubscriberBuffer)
	go v.run(runCtx, sub, unsubscribe, v.done)

	log.Info().Str("group_id", v.groupID).Msg("group view started")
}

// Refresh requests a roster and snapshot resync, e.g. on user demand.
func (v *View) Refresh() {
	select {
	case v.pulls <- pull{kind: pullRefresh}:
	default:
		log.Debug().Str("group_id", v.groupID).Msg("refresh already queued")
	}
}

// Close detaches the view from the push channel and stops its goroutine. The table must
// not be used afterwards.
func (v *View) Close() {
	v.mu.Lock()
	cancel, done := v.cancel, v.done
	v.cancel = nil
	v.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Str("group_id", v.groupID).Msg("group view closed")
}

func (v *View) run(ctx context.Context, sub <-chan events.Event, unsubscribe func(), done chan<- struct{}) {
	defer close(done)
	defer unsubscribe()

	v.resync(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				log.Warn().Str("group_id", v.groupID).Msg("push channel closed, view stopping")
				return
			}
			v.handleEvent(ctx, ev)
		case p := <-v.pulls:
			v.handlePull(ctx, p)
		}
		v.recordCounts()
	}
}

func (v *View) handleEvent(ctx context.Context, ev events.Event) {
	if c, ok := ev.(events.ConnectedPayload); ok {
		log.Info().
			Str("group_id", v.groupID).
			Bool("reconnect", c.Reconnect).
			Msg("push channel connected, resyncing")
		v.resync(ctx)
		return
	}
	if lost, ok := ev.(events.ConnectionLostPayload); ok {
		// the table goes stale until the owner reconnects
		log.Warn().
			Str("group_id", v.groupID).
			Int("attempts", lost.Attempts).
			Msg("push channel lost, presence frozen")
		return
	}

	outcome := v.table.Apply(ev)
	v.metrics.RecordEvent(string(ev.EventName()), outcome.String())

	if ev.EventName() == events.GroupStatus && outcome == presence.OutcomeApplied {
		v.metrics.RecordSnapshot(v.groupID, true)
	}
	if outcome == presence.OutcomeResync {
		v.resync(ctx)
	}
}

func (v *View) handlePull(ctx context.Context, p pull) {
	switch p.kind {
	case pullRefresh:
		v.resync(ctx)

	case pullRoster:
		v.rosterInFlight = false
		if p.err != nil {
			// Stale but available beats empty.
			log.Error().Err(p.err).Str("group_id", v.groupID).Msg("roster fetch failed, keeping last known members")
			v.metrics.RecordSnapshot(v.groupID, false)
		} else {
			v.table.SyncRoster(p.members)
		}
		if v.rosterPending {
			v.rosterPending = false
			v.fetchRoster(ctx)
		}
	}
}

// resync refetches the roster and asks the server for the studying snapshot.
func (v *View) resync(ctx context.Context) {
	v.fetchRoster(ctx)

	if err := v.channel.Emit(ctx, events.GetGroupStatus, v.groupID); err != nil {
		log.Warn().Err(err).Str("group_id", v.groupID).Msg("failed to request group status")
		v.metrics.RecordSnapshot(v.groupID, false)
	}
}

// fetchRoster runs at most one roster request at a time; requests made meanwhile are
// coalesced into one follow-up fetch.
func (v *View) fetchRoster(ctx context.Context) {
	if v.roster == nil {
		return
	}
	if v.rosterInFlight {
		v.rosterPending = true
		return
	}
	v.rosterInFlight = true

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, rosterTimeout)
		defer cancel()

		members, err := v.roster.GetGroupMembers(fetchCtx, v.groupID)
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.MemberID())
		}

		select {
		case v.pulls <- pull{kind: pullRoster, members: ids, err: err}:
		case <-ctx.Done():
		}
	}()
}

var trackedStatuses = []presence.Status{presence.StatusOnline, presence.StatusIdle, presence.StatusStudying}

func (v *View) recordCounts() {
	counts := v.table.Counts()
	for _, status := range trackedStatuses {
		v.metrics.SetMembers(v.groupID, string(status), counts[status])
	}
}
