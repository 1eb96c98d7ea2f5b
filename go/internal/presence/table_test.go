package presence

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/studysync/go/internal/events"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestTable(t *testing.T, members ...string) (*Table, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	table := NewTable("g1", "me", clock)
	table.SyncRoster(members)
	return table, clock
}

func started(userID string, start time.Time, acc int64) events.UserStartedStudyingPayload {
	return events.UserStartedStudyingPayload{
		UserID: userID,
		SessionData: events.SessionData{
			SubjectTitle:       "Math",
			SubjectColor:       "#3366ff",
			StartTime:          events.Timestamp{Time: start},
			AccumulatedSeconds: acc,
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

func assertStartTimeInvariant(t *testing.T, table *Table) {
	t.Helper()
	for _, v := range table.List() {
		assert.Equal(t, v.Status == StatusStudying, v.StartTime != nil, "user %s: start time must be set iff studying", v.UserID)
		if v.Status != StatusStudying {
			assert.Empty(t, v.SubjectTitle, "user %s", v.UserID)
		}
	}
}

func TestLiveDurationAddsElapsedToAccumulated(t *testing.T) {
	table, clock := newTestTable(t, "u1")

	require.Equal(t, OutcomeApplied, table.Apply(started("u1", t0, 120)))
	clock.Advance(65 * time.Second)

	v, ok := table.Get("u1")
	require.True(t, ok)
	assert.Equal(t, StatusStudying, v.Status)
	assert.Equal(t, int64(185), v.LiveSeconds)
	assert.Equal(t, int64(120), v.BaseSeconds)
}

func TestIdleNeverDowngradesStudying(t *testing.T) {
	table, _ := newTestTable(t, "u1")
	table.Apply(started("u1", t0, 0))

	outcome := table.Apply(events.UserStatusUpdatePayload{UserID: "u1", Status: events.ReportedIdle})
	assert.Equal(t, OutcomeSuppressed, outcome)

	outcome = table.Apply(events.UserStatusUpdatePayload{UserID: "u1", Status: events.ReportedOnline})
	assert.Equal(t, OutcomeSuppressed, outcome)

	v, _ := table.Get("u1")
	assert.Equal(t, StatusStudying, v.Status)
	assertStartTimeInvariant(t, table)
}

func TestStatusUpdateAppliesWhenNotStudying(t *testing.T) {
	table, _ := newTestTable(t, "u1")

	assert.Equal(t, OutcomeApplied, table.Apply(events.UserStatusUpdatePayload{UserID: "u1", Status: events.ReportedIdle}))
	v, _ := table.Get("u1")
	assert.Equal(t, StatusIdle, v.Status)

	assert.Equal(t, OutcomeApplied, table.Apply(events.UserStatusUpdatePayload{UserID: "u1", Status: events.ReportedOnline}))
	v, _ = table.Get("u1")
	assert.Equal(t, StatusOnline, v.Status)
}

func TestStoppedUsesDailyTotal(t *testing.T) {
	table, clock := newTestTable(t, "u1")
	table.Apply(started("u1", t0, 100))
	clock.Advance(40 * time.Second)

	table.Apply(events.UserStoppedStudyingPayload{UserID: "u1", DailyTotalSeconds: int64Ptr(300)})

	v, _ := table.Get("u1")
	assert.Equal(t, StatusOnline, v.Status)
	assert.Nil(t, v.StartTime)
	assert.Equal(t, int64(300), v.LiveSeconds)

	clock.Advance(time.Minute)
	v, _ = table.Get("u1")
	assert.Equal(t, int64(300), v.LiveSeconds, "duration is frozen once stopped")
}

func TestStoppedWithoutDailyTotalFallsBackToLiveDuration(t *testing.T) {
	table, clock := newTestTable(t, "u1")
	table.Apply(started("u1", t0, 100))
	clock.Advance(40 * time.Second)

	table.Apply(events.UserStoppedStudyingPayload{UserID: "u1"})

	v, _ := table.Get("u1")
	assert.Equal(t, StatusOnline, v.Status)
	assert.Equal(t, int64(140), v.LiveSeconds)
	assertStartTimeInvariant(t, table)
}

func TestDisconnectRemovesAndLaterUpdatesAreNoOps(t *testing.T) {
	table, _ := newTestTable(t, "u1", "u2")

	assert.Equal(t, OutcomeApplied, table.Apply(events.UserDisconnectedPayload{UserID: "u1"}))
	_, ok := table.Get("u1")
	assert.False(t, ok)

	assert.Equal(t, OutcomeIgnored, table.Apply(events.UserStatusUpdatePayload{UserID: "u1", Status: events.ReportedIdle}))
	assert.Equal(t, OutcomeIgnored, table.Apply(started("u1", t0, 0)))
	assert.Equal(t, OutcomeIgnored, table.Apply(events.UserStoppedStudyingPayload{UserID: "u1"}))

	_, ok = table.Get("u1")
	assert.False(t, ok, "point updates must not create phantom entries")
	assert.Equal(t, 1, table.Len())
}

func TestSelfIsNeverTracked(t *testing.T) {
	table, _ := newTestTable(t, "me", "u1")
	assert.Equal(t, 1, table.Len())

	assert.Equal(t, OutcomeIgnored, table.Apply(started("me", t0, 0)))
	table.ApplySnapshot(events.GroupStatusPayload{
		GroupID:       "g1",
		StudyingUsers: []events.StudyingUser{{UserID: "me"}},
	})

	_, ok := table.Get("me")
	assert.False(t, ok)
}

func TestDuplicateStartIsIdempotent(t *testing.T) {
	table, clock := newTestTable(t, "u1")
	table.Apply(started("u1", t0, 60))
	clock.Advance(10 * time.Second)
	table.Apply(started("u1", t0, 60))

	v, _ := table.Get("u1")
	assert.Equal(t, int64(70), v.LiveSeconds)
}

func TestMembershipEventsRequestResync(t *testing.T) {
	table, _ := newTestTable(t, "u1")

	assert.Equal(t, OutcomeResync, table.Apply(events.MembershipPayload{Kind: events.UserJoined, GroupID: "g1", UserID: "u9"}))
	assert.Equal(t, OutcomeResync, table.Apply(events.MembershipPayload{Kind: events.UserLeft, GroupID: "g1", UserID: "u1"}))
	assert.Equal(t, OutcomeIgnored, table.Apply(events.MembershipPayload{Kind: events.UserLeft, GroupID: "other", UserID: "u1"}))

	_, ok := table.Get("u9")
	assert.False(t, ok)
	_, ok = table.Get("u1")
	assert.True(t, ok, "leave is applied through the roster resync, not directly")
}

func TestClockSkewClampsElapsed(t *testing.T) {
	table, _ := newTestTable(t, "u1")
	table.Apply(started("u1", t0.Add(30*time.Second), 50))

	v, _ := table.Get("u1")
	assert.Equal(t, int64(50), v.LiveSeconds)
}

func TestObserversSeeTransitions(t *testing.T) {
	table, _ := newTestTable(t, "u1")

	var got []Change
	table.OnChange(func(c Change) { got = append(got, c) })

	table.Apply(started("u1", t0, 0))
	table.Apply(events.UserStatusUpdatePayload{UserID: "u1", Status: events.ReportedIdle})
	table.Apply(events.UserDisconnectedPayload{UserID: "u1"})

	require.Len(t, got, 2)
	assert.Equal(t, StatusOnline, got[0].From)
	assert.Equal(t, StatusStudying, got[0].To)
	assert.Equal(t, "g1", got[0].GroupID)
	assert.True(t, got[1].Removed)
	assert.Equal(t, StatusStudying, got[1].From)
}
