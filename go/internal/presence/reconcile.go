package presence

import (
	"github.com/mcdev12/studysync/go/internal/events"
	"github.com/rs/zerolog/log"
)

// Apply updates the table from one push event, last write wins per user.
//
// Point updates never create entries; only snapshots and roster syncs do. A member who is
// studying is never downgraded by a generic status update.
func (t *Table) Apply(ev events.Event) Outcome {
	var (
		outcome Outcome
		changes []Change
	)

	switch p := ev.(type) {
	case events.UserStartedStudyingPayload:
		outcome, changes = t.applyStarted(p)
	case events.UserStoppedStudyingPayload:
		outcome, changes = t.applyStopped(p)
	case events.UserStatusUpdatePayload:
		outcome, changes = t.applyStatus(p)
	case events.UserDisconnectedPayload:
		outcome, changes = t.applyDisconnected(p)
	case events.MembershipPayload:
		if p.GroupID != t.groupID {
			outcome = OutcomeIgnored
		} else {
			outcome = OutcomeResync
		}
	case events.GroupStatusPayload:
		return t.ApplySnapshot(p)
	default:
		outcome = OutcomeIgnored
	}

	if outcome != OutcomeApplied {
		log.Debug().
			Str("group_id", t.groupID).
			Str("event", eventName(ev)).
			Str("outcome", outcome.String()).
			Msg("presence event not applied")
	}

	t.notify(changes)
	return outcome
}

func (t *Table) applyStarted(p events.UserStartedStudyingPayload) (Outcome, []Change) {
	if t.isSelf(p.UserID) {
		return OutcomeIgnored, nil
	}
	start := p.SessionData.StartTime.Time
	if start.IsZero() {
		start = t.clock.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[p.UserID]
	if !ok {
		return OutcomeIgnored, nil
	}
	from := e.Status
	e.studyFrom(start, p.SessionData.AccumulatedSeconds, p.SessionData.SubjectTitle, p.SessionData.SubjectColor)
	return OutcomeApplied, []Change{t.change(e, from, string(events.UserStartedStudying))}
}

func (t *Table) applyStopped(p events.UserStoppedStudyingPayload) (Outcome, []Change) {
	if t.isSelf(p.UserID) {
		return OutcomeIgnored, nil
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[p.UserID]
	if !ok {
		return OutcomeIgnored, nil
	}
	from := e.Status
	total := e.LiveSeconds(now)
	if p.DailyTotalSeconds != nil {
		total = *p.DailyTotalSeconds
	}
	e.settle(StatusOnline, total)
	return OutcomeApplied, []Change{t.change(e, from, string(events.UserStoppedStudying))}
}

func (t *Table) applyStatus(p events.UserStatusUpdatePayload) (Outcome, []Change) {
	if t.isSelf(p.UserID) {
		return OutcomeIgnored, nil
	}

	var status Status
	switch p.Status {
	case events.ReportedIdle:
		status = StatusIdle
	case events.ReportedOnline:
		status = StatusOnline
	default:
		return OutcomeIgnored, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[p.UserID]
	if !ok {
		return OutcomeIgnored, nil
	}
	if e.Status == StatusStudying {
		return OutcomeSuppressed, nil
	}
	from := e.Status
	e.settle(status, e.BaseSeconds)
	return OutcomeApplied, []Change{t.change(e, from, string(events.UserStatusUpdate))}
}

func (t *Table) applyDisconnected(p events.UserDisconnectedPayload) (Outcome, []Change) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[p.UserID]
	if !ok {
		return OutcomeIgnored, nil
	}
	delete(t.entries, p.UserID)
	return OutcomeApplied, []Change{t.removal(p.UserID, e.Status, string(events.UserDisconnected))}
}

func eventName(ev events.Event) string {
	if ev == nil {
		return ""
	}
	return string(ev.EventName())
}
