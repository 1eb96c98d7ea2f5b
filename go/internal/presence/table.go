package presence

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// ChangeFunc observes transitions after they are applied.
type ChangeFunc func(Change)

// Table holds the presence of every member of one group except the local user.
// Writes are expected from a single owner; reads may come from any goroutine.
type Table struct {
	groupID string
	selfID  string
	clock   clockwork.Clock

	mu      sync.RWMutex
	entries map[string]*Entry

	observersMu sync.RWMutex
	observers   []ChangeFunc
}

// NewTable creates an empty table for groupID, filtering out selfID.
func NewTable(groupID, selfID string, clock clockwork.Clock) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Table{
		groupID: groupID,
		selfID:  selfID,
		clock:   clock,
		entries: make(map[string]*Entry),
	}
}

func (t *Table) GroupID() string { return t.groupID }

// OnChange registers an observer. Observers run on the writer's goroutine after the lock
// is released.
func (t *Table) OnChange(fn ChangeFunc) {
	t.observersMu.Lock()
	defer t.observersMu.Unlock()
	t.observers = append(t.observers, fn)
}

// Get returns the live view of one member.
func (t *Table) Get(userID string) (View, bool) {
	now := t.clock.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[userID]
	if !ok {
		return View{}, false
	}
	return e.view(now), true
}

// List returns live views of all members ordered by user id.
func (t *Table) List() []View {
	now := t.clock.Now()

	t.mu.RLock()
	views := make([]View, 0, len(t.entries))
	for _, e := range t.entries {
		views = append(views, e.view(now))
	}
	t.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].UserID < views[j].UserID })
	return views
}

// Len returns the number of tracked members.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Counts returns the number of members per status.
func (t *Table) Counts() map[Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := map[Status]int{StatusOnline: 0, StatusIdle: 0, StatusStudying: 0}
	for _, e := range t.entries {
		counts[e.Status]++
	}
	return counts
}

func (t *Table) isSelf(userID string) bool {
	return t.selfID != "" && userID == t.selfID
}

func (t *Table) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	t.observersMu.RLock()
	observers := append([]ChangeFunc(nil), t.observers...)
	t.observersMu.RUnlock()

	for _, c := range changes {
		for _, fn := range observers {
			fn(c)
		}
	}
}

func (t *Table) change(e *Entry, from Status, source string) Change {
	now := t.clock.Now()
	v := e.view(now)
	return Change{
		GroupID: t.groupID,
		UserID:  e.UserID,
		From:    from,
		To:      e.Status,
		Source:  source,
		At:      now,
		Entry:   &v,
	}
}

func (t *Table) removal(userID string, from Status, source string) Change {
	return Change{
		GroupID: t.groupID,
		UserID:  userID,
		From:    from,
		Removed: true,
		Source:  source,
		At:      t.clock.Now(),
	}
}
