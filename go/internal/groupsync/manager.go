package groupsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/metrics"
	"github.com/mcdev12/studysync/go/internal/presence"
	"github.com/mcdev12/studysync/go/internal/realtime"
	"github.com/mcdev12/studysync/go/internal/studyapi"
)

var ErrUnknownGroup = errors.New("group is not watched")

const subscribeTimeout = 10 * time.Second

// GroupSubscriber is implemented by channels that receive events only for the groups
// they were told about.
type GroupSubscriber interface {
	AddGroup(ctx context.Context, groupID string) error
}

// Directory is the part of the study API the manager uses.
type Directory interface {
	RosterSource
	ListGroups(ctx context.Context) ([]studyapi.Group, error)
	JoinGroup(ctx context.Context, groupID string) error
}

// Manager keeps one View per watched group over a shared push channel. Views live until
// Unwatch or Close, independent of the context of the call that created them.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	selfID    string
	channel   realtime.Channel
	directory Directory
	clock     clockwork.Clock
	metrics   metrics.Collector

	mu        sync.RWMutex
	views     map[string]*View
	observers []presence.ChangeFunc
}

// NewManager creates a manager with no groups.
func NewManager(selfID string, ch realtime.Channel, dir Directory, clock clockwork.Clock, m metrics.Collector) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:       ctx,
		cancel:    cancel,
		selfID:    selfID,
		channel:   ch,
		directory: dir,
		clock:     clock,
		metrics:   m,
		views:     make(map[string]*View),
	}
}

// OnChange registers fn on every current and future group table.
// Must be called before the groups it should observe start receiving events.
func (m *Manager) OnChange(fn presence.ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
	for _, v := range m.views {
		v.Table().OnChange(fn)
	}
}

// Watch starts a view for groupID. Watching a group twice returns the existing view.
func (m *Manager) Watch(groupID string) *View {
	m.mu.Lock()
	if v, ok := m.views[groupID]; ok {
		m.mu.Unlock()
		return v
	}
	v := NewView(groupID, m.selfID, m.channel, m.directory, m.clock, m.metrics)
	for _, fn := range m.observers {
		v.Table().OnChange(fn)
	}
	m.views[groupID] = v
	m.mu.Unlock()

	if err := m.subscribe(m.ctx, groupID); err != nil {
		log.Warn().Err(err).Str("group_id", groupID).Msg("push channel will not deliver events for group")
	}
	v.Start(m.ctx)
	return v
}

// WatchAll watches every group the user belongs to.
func (m *Manager) WatchAll(ctx context.Context) ([]string, error) {
	groups, err := m.directory.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover groups: %w", err)
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		m.Watch(g.ID)
		ids = append(ids, g.ID)
	}
	log.Info().Int("groups", len(ids)).Msg("watching member groups")
	return ids, nil
}

// Join adds the user to groupID and starts watching it. ctx bounds the join requests
// only; the view outlives it.
func (m *Manager) Join(ctx context.Context, groupID string) (*View, error) {
	if err := m.directory.JoinGroup(ctx, groupID); err != nil {
		return nil, err
	}
	if err := m.subscribe(ctx, groupID); err != nil {
		return nil, err
	}
	return m.Watch(groupID), nil
}

// subscribe extends the push channel's group filter when it has one.
func (m *Manager) subscribe(ctx context.Context, groupID string) error {
	gs, ok := m.channel.(GroupSubscriber)
	if !ok {
		return nil
	}
	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if err := gs.AddGroup(subCtx, groupID); err != nil {
		return fmt.Errorf("subscribe to group %s: %w", groupID, err)
	}
	return nil
}

// Unwatch stops the view for groupID.
func (m *Manager) Unwatch(groupID string) error {
	m.mu.Lock()
	v, ok := m.views[groupID]
	delete(m.views, groupID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unwatch %s: %w", groupID, ErrUnknownGroup)
	}
	v.Close()
	return nil
}

// View returns the view of a watched group.
func (m *Manager) View(groupID string) (*View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrUnknownGroup)
	}
	return v, nil
}

// Groups returns the watched group ids, sorted.
func (m *Manager) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.views))
	for id := range m.views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh asks every view to resync.
func (m *Manager) Refresh() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.views {
		v.Refresh()
	}
}

// Close stops all views.
func (m *Manager) Close() {
	m.mu.Lock()
	views := m.views
	m.views = make(map[string]*View)
	m.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	m.cancel()
}
