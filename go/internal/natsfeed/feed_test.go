package natsfeed

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/studysync/go/internal/events"
	"github.com/mcdev12/studysync/go/internal/realtime"
)

type fakeMsg struct {
	data   []byte
	acked  bool
	termed bool
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "study.groups.g1.events" }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Term() error     { m.termed = true; return nil }

func TestSubjects(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "study.groups.g1.events", cfg.GroupSubject("g1"))
	assert.Equal(t, "study.clients.u1.sessionStarted", cfg.ClientSubject("u1", events.SessionStarted))
	assert.Equal(t, "studysync-a_b_c", cfg.ConsumerName("a.b*c"))
}

func TestHandleAcksAndPublishesDecodedEvents(t *testing.T) {
	feed := NewFeed(DefaultConfig(), nil)
	sub, unsubscribe := feed.Subscribe(4)
	defer unsubscribe()

	msg := &fakeMsg{data: []byte(`{"event":"userStatusUpdate","data":{"userId":"u1","status":"Idle"}}`)}
	feed.handle(msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.termed)
	require.Len(t, sub, 1)
	assert.Equal(t, events.UserStatusUpdatePayload{UserID: "u1", Status: events.ReportedIdle}, <-sub)
}

func TestHandleTerminatesMalformedMessages(t *testing.T) {
	feed := NewFeed(DefaultConfig(), nil)
	sub, unsubscribe := feed.Subscribe(4)
	defer unsubscribe()

	msg := &fakeMsg{data: []byte(`{"event":"userStartedStudying","data":{}}`)}
	feed.handle(msg)

	assert.True(t, msg.termed)
	assert.False(t, msg.acked)
	assert.Len(t, sub, 0)
}

func TestEmitBeforeConnectFails(t *testing.T) {
	feed := NewFeed(DefaultConfig(), nil)
	err := feed.Emit(context.Background(), events.UserActive, nil)
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
}

func TestConnectRequiresGroups(t *testing.T) {
	feed := NewFeed(DefaultConfig(), nil)
	assert.Error(t, feed.Connect(context.Background(), "me"))
}

// fakeJetStream records consumer updates. Unused methods panic through the nil embeds.
type fakeJetStream struct {
	jetstream.JetStream
	stream *fakeStream
}

func (js *fakeJetStream) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	return js.stream, nil
}

type fakeStream struct {
	jetstream.Stream
	configs []jetstream.ConsumerConfig
	err     error
}

func (s *fakeStream) CreateOrUpdateConsumer(ctx context.Context, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.configs = append(s.configs, cfg)
	return nil, nil
}

func TestAddGroupBeforeConnectRecordsGroup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GroupIDs = []string{"g1"}
	feed := NewFeed(cfg, nil)

	require.NoError(t, feed.AddGroup(context.Background(), "g2"))
	require.NoError(t, feed.AddGroup(context.Background(), "g2"))
	assert.Equal(t, []string{"g1", "g2"}, feed.Groups())
}

func TestAddGroupUpdatesLiveConsumerFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GroupIDs = []string{"g1"}
	feed := NewFeed(cfg, nil)

	stream := &fakeStream{}
	feed.js = &fakeJetStream{stream: stream}
	feed.userID = "me"

	require.NoError(t, feed.AddGroup(context.Background(), "g2"))
	require.Len(t, stream.configs, 1)
	assert.Equal(t, []string{"study.groups.g1.events", "study.groups.g2.events"}, stream.configs[0].FilterSubjects)
	assert.Equal(t, "studysync-me", stream.configs[0].Durable)

	stream.err = errors.New("consumer update refused")
	assert.Error(t, feed.AddGroup(context.Background(), "g3"))
	assert.Equal(t, []string{"g1", "g2"}, feed.Groups(), "a failed update leaves the filter unchanged")
}
