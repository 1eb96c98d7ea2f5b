package presence

import (
	"github.com/mcdev12/studysync/go/internal/events"
	"github.com/rs/zerolog/log"
)

const (
	sourceSnapshot = "snapshot"
	sourceRoster   = "roster"
)

// ApplySnapshot reconciles the table against a studying-only group status listing.
//
// Listed members are created if needed and set studying from their session data. Members
// that were studying but are no longer listed are settled to online with their duration
// frozen at the live value. Everyone else keeps their last status.
func (t *Table) ApplySnapshot(p events.GroupStatusPayload) Outcome {
	if p.GroupID != t.groupID {
		log.Debug().
			Str("group_id", t.groupID).
			Str("snapshot_group_id", p.GroupID).
			Msg("ignoring snapshot for another group")
		return OutcomeIgnored
	}

	now := t.clock.Now()
	var changes []Change

	t.mu.Lock()
	listed := make(map[string]bool, len(p.StudyingUsers))
	for _, su := range p.StudyingUsers {
		if su.UserID == "" || t.isSelf(su.UserID) {
			continue
		}
		listed[su.UserID] = true

		e, ok := t.entries[su.UserID]
		if !ok {
			e = &Entry{UserID: su.UserID, Status: StatusOnline}
			t.entries[su.UserID] = e
		}
		from := e.Status
		if !ok {
			from = ""
		}

		start := su.SessionData.StartTime.Time
		if start.IsZero() {
			start = now
		}
		base := su.SessionData.AccumulatedSeconds
		if base < 0 {
			base = 0
		}
		e.studyFrom(start, base, su.SessionData.SubjectTitle, su.SessionData.SubjectColor)
		changes = append(changes, t.change(e, from, sourceSnapshot))
	}

	for id, e := range t.entries {
		if listed[id] || e.Status != StatusStudying {
			continue
		}
		e.settle(StatusOnline, e.LiveSeconds(now))
		changes = append(changes, t.change(e, StatusStudying, sourceSnapshot))
	}
	t.mu.Unlock()

	log.Debug().
		Str("group_id", t.groupID).
		Int("studying", len(listed)).
		Msg("snapshot applied")

	t.notify(changes)
	return OutcomeApplied
}

// SyncRoster aligns the table with the group's membership list. Members never seen
// before start online; entries for users no longer in the roster are removed.
func (t *Table) SyncRoster(memberIDs []string) {
	var changes []Change

	t.mu.Lock()
	members := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		if id == "" || t.isSelf(id) {
			continue
		}
		members[id] = true
		if _, ok := t.entries[id]; ok {
			continue
		}
		e := &Entry{UserID: id, Status: StatusOnline}
		t.entries[id] = e
		changes = append(changes, t.change(e, "", sourceRoster))
	}

	for id, e := range t.entries {
		if members[id] {
			continue
		}
		delete(t.entries, id)
		changes = append(changes, t.removal(id, e.Status, sourceRoster))
	}
	t.mu.Unlock()

	t.notify(changes)
}
