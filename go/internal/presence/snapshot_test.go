package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/studysync/go/internal/events"
)

func groupStatus(users ...events.StudyingUser) events.GroupStatusPayload {
	return events.GroupStatusPayload{GroupID: "g1", StudyingUsers: users}
}

func studying(userID string, start time.Time, acc int64) events.StudyingUser {
	return events.StudyingUser{
		UserID: userID,
		SessionData: events.SessionData{
			SubjectTitle:       "Physics",
			SubjectColor:       "#00aa00",
			StartTime:          events.Timestamp{Time: start},
			AccumulatedSeconds: acc,
		},
	}
}

func TestSnapshotCreatesStudyingEntries(t *testing.T) {
	table, clock := newTestTable(t)
	clock.Advance(30 * time.Second)

	assert.Equal(t, OutcomeApplied, table.ApplySnapshot(groupStatus(studying("u1", t0, 600))))

	v, ok := table.Get("u1")
	require.True(t, ok)
	assert.Equal(t, StatusStudying, v.Status)
	assert.Equal(t, "Physics", v.SubjectTitle)
	assert.Equal(t, int64(600), v.BaseSeconds)
	assert.Equal(t, int64(630), v.LiveSeconds)
}

func TestSnapshotRecomputesFromNowOnEveryApplication(t *testing.T) {
	table, clock := newTestTable(t)
	snap := groupStatus(studying("u1", t0, 100))

	table.ApplySnapshot(snap)
	first, _ := table.Get("u1")

	table.ApplySnapshot(snap)
	same, _ := table.Get("u1")
	assert.Equal(t, first.LiveSeconds, same.LiveSeconds, "same snapshot at the same now is idempotent")

	clock.Advance(45 * time.Second)
	table.ApplySnapshot(snap)
	later, _ := table.Get("u1")

	assert.Equal(t, int64(100), first.LiveSeconds)
	assert.Equal(t, int64(145), later.LiveSeconds)
	assert.GreaterOrEqual(t, later.LiveSeconds, first.LiveSeconds)
}

func TestSnapshotLeavesUnlistedNonStudyingMembers(t *testing.T) {
	table, _ := newTestTable(t, "u1", "u2")
	table.Apply(events.UserStatusUpdatePayload{UserID: "u2", Status: events.ReportedIdle})

	table.ApplySnapshot(groupStatus(studying("u1", t0, 0)))

	v, _ := table.Get("u2")
	assert.Equal(t, StatusIdle, v.Status)
	assertStartTimeInvariant(t, table)
}

func TestSnapshotSettlesMembersNoLongerStudying(t *testing.T) {
	table, clock := newTestTable(t, "u1", "u2")
	table.Apply(started("u2", t0, 20))
	clock.Advance(10 * time.Second)

	table.ApplySnapshot(groupStatus(studying("u1", t0, 0)))

	v, _ := table.Get("u2")
	assert.Equal(t, StatusOnline, v.Status)
	assert.Equal(t, int64(30), v.LiveSeconds)
	assertStartTimeInvariant(t, table)
}

func TestSnapshotForAnotherGroupIsIgnored(t *testing.T) {
	table, _ := newTestTable(t)
	outcome := table.ApplySnapshot(events.GroupStatusPayload{
		GroupID:       "other",
		StudyingUsers: []events.StudyingUser{studying("u1", t0, 0)},
	})
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, 0, table.Len())
}

func TestApplyRoutesGroupStatusToSnapshot(t *testing.T) {
	table, _ := newTestTable(t)
	assert.Equal(t, OutcomeApplied, table.Apply(groupStatus(studying("u1", t0, 0))))
	_, ok := table.Get("u1")
	assert.True(t, ok)
}

func TestSyncRosterDefaultsOnlineAndPrunes(t *testing.T) {
	table, _ := newTestTable(t, "u1", "u2")
	table.Apply(events.UserStatusUpdatePayload{UserID: "u1", Status: events.ReportedIdle})

	var removed []string
	table.OnChange(func(c Change) {
		if c.Removed {
			removed = append(removed, c.UserID)
		}
	})

	table.SyncRoster([]string{"u1", "u3", "me"})

	v, ok := table.Get("u1")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, v.Status, "known members keep their status")

	v, ok = table.Get("u3")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, v.Status)

	_, ok = table.Get("u2")
	assert.False(t, ok)
	assert.Equal(t, []string{"u2"}, removed)
	assert.Equal(t, 2, table.Len())
}

func TestCountsByStatus(t *testing.T) {
	table, _ := newTestTable(t, "u1", "u2", "u3")
	table.Apply(started("u1", t0, 0))
	table.Apply(events.UserStatusUpdatePayload{UserID: "u2", Status: events.ReportedIdle})

	counts := table.Counts()
	assert.Equal(t, 1, counts[StatusStudying])
	assert.Equal(t, 1, counts[StatusIdle])
	assert.Equal(t, 1, counts[StatusOnline])
}
