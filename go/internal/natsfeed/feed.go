package natsfeed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/events"
	"github.com/mcdev12/studysync/go/internal/metrics"
	"github.com/mcdev12/studysync/go/internal/realtime"
)

const transportNATS = "nats"

// Config holds configuration for the JetStream push channel
type Config struct {
	URL           string
	StreamName    string
	SubjectPrefix string // e.g. "study"
	GroupIDs      []string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default JetStream configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "STUDY_PRESENCE",
		SubjectPrefix: "study",
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		MaxAckPending: 256,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// GroupSubject is where the server publishes presence events for a group.
func (c Config) GroupSubject(groupID string) string {
	return fmt.Sprintf("%s.groups.%s.events", c.SubjectPrefix, groupID)
}

// ClientSubject is where the local user's self-reports are published.
func (c Config) ClientSubject(userID string, name events.Name) string {
	return fmt.Sprintf("%s.clients.%s.%s", c.SubjectPrefix, userID, name)
}

// ConsumerName is the durable consumer owned by one user.
func (c Config) ConsumerName(userID string) string {
	return "studysync-" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(userID)
}

// Feed consumes group presence events from JetStream and publishes self-reports to NATS.
// It implements realtime.Channel.
type Feed struct {
	cfg      Config
	metrics  metrics.Collector
	dispatch *realtime.Dispatcher

	mu      sync.Mutex
	userID  string
	nc      *nats.Conn
	js      jetstream.JetStream
	consume jetstream.ConsumeContext

	// groupMu serializes consumer updates; groups is the consumer's current filter.
	groupMu sync.Mutex
	groups  []string
}

var _ realtime.Channel = (*Feed)(nil)

// NewFeed creates a disconnected feed.
func NewFeed(cfg Config, m metrics.Collector) *Feed {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Feed{
		cfg:      cfg,
		metrics:  m,
		dispatch: realtime.NewDispatcher(transportNATS),
		groups:   slices.Clone(cfg.GroupIDs),
	}
}

// Groups returns the groups the consumer is filtered to.
func (f *Feed) Groups() []string {
	f.groupMu.Lock()
	defer f.groupMu.Unlock()
	return slices.Clone(f.groups)
}

// AddGroup extends the consumer's subject filter with groupID. Before Connect it only
// records the group. Adding a known group is a no-op.
func (f *Feed) AddGroup(ctx context.Context, groupID string) error {
	f.groupMu.Lock()
	defer f.groupMu.Unlock()

	if slices.Contains(f.groups, groupID) {
		return nil
	}
	groups := append(slices.Clone(f.groups), groupID)

	f.mu.Lock()
	js, userID := f.js, f.userID
	f.mu.Unlock()

	if js != nil {
		if _, err := f.ensureConsumer(ctx, js, userID, groups); err != nil {
			return fmt.Errorf("add group %s: %w", groupID, err)
		}
	}
	f.groups = groups

	log.Info().Str("group_id", groupID).Bool("live", js != nil).Msg("presence feed group added")
	return nil
}

// Subscribe implements realtime.Channel.
func (f *Feed) Subscribe(buffer int) (<-chan events.Event, func()) {
	return f.dispatch.Subscribe(buffer)
}

// Connect dials NATS, ensures the user's consumer and starts consuming.
func (f *Feed) Connect(ctx context.Context, userID string) error {
	f.groupMu.Lock()
	defer f.groupMu.Unlock()

	if len(f.groups) == 0 {
		return errors.New("natsfeed: no groups to subscribe to")
	}

	opts := []nats.Option{
		nats.Name("studysync-" + userID),
		nats.MaxReconnects(f.cfg.MaxReconnects),
		nats.ReconnectWait(f.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			f.metrics.RecordReconnect(transportNATS)
			f.onConnected(true)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(f.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	consumer, err := f.ensureConsumer(ctx, js, userID, f.groups)
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure consumer: %w", err)
	}

	f.mu.Lock()
	f.userID = userID
	f.nc = nc
	f.js = js
	f.mu.Unlock()

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		f.handle(msg)
	})
	if err != nil {
		f.mu.Lock()
		f.nc, f.js = nil, nil
		f.mu.Unlock()
		nc.Close()
		return fmt.Errorf("start consumer: %w", err)
	}

	f.mu.Lock()
	f.consume = consumeCtx
	f.mu.Unlock()

	log.Info().
		Str("stream", f.cfg.StreamName).
		Str("user_id", userID).
		Strs("groups", f.groups).
		Msg("JetStream presence feed started")

	f.onConnected(false)
	return nil
}

// ensureConsumer creates or updates the durable consumer for userID, filtered to groupIDs.
func (f *Feed) ensureConsumer(ctx context.Context, js jetstream.JetStream, userID string, groupIDs []string) (jetstream.Consumer, error) {
	stream, err := js.Stream(ctx, f.cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}

	subjects := make([]string, 0, len(groupIDs))
	for _, id := range groupIDs {
		subjects = append(subjects, f.cfg.GroupSubject(id))
	}

	name := f.cfg.ConsumerName(userID)
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:           name,
		Durable:        name,
		Description:    "studysync presence feed",
		FilterSubjects: subjects,
		// Presence is live state; history is recovered through snapshots.
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    f.cfg.MaxDeliver,
		AckWait:       f.cfg.AckWait,
		MaxAckPending: f.cfg.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", name).
		Str("stream", f.cfg.StreamName).
		Msg("using JetStream consumer")
	return consumer, nil
}

// Disconnect stops consuming, closes NATS and detaches all subscribers.
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	nc, consume := f.nc, f.consume
	f.nc, f.js, f.consume = nil, nil, nil
	f.mu.Unlock()

	if consume != nil {
		consume.Stop()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("NATS drain failed, closing")
			nc.Close()
		}
	}
	f.dispatch.Close()
	log.Info().Msg("JetStream presence feed stopped")
	return nil
}

// Emit publishes a self-report on the user's client subject.
func (f *Feed) Emit(ctx context.Context, name events.Name, data any) error {
	f.mu.Lock()
	nc, userID := f.nc, f.userID
	f.mu.Unlock()

	if nc == nil || !nc.IsConnected() {
		f.metrics.RecordEmit(string(name), false)
		return fmt.Errorf("emit %s: %w", name, realtime.ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := events.Encode(name, data)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(f.cfg.ClientSubject(userID, name))
	msg.Data = frame
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	if err := nc.PublishMsg(msg); err != nil {
		f.metrics.RecordEmit(string(name), false)
		return fmt.Errorf("publish %s: %w", name, err)
	}
	f.metrics.RecordEmit(string(name), true)
	return nil
}

func (f *Feed) onConnected(reconnect bool) {
	f.mu.Lock()
	userID := f.userID
	f.mu.Unlock()

	if err := f.Emit(context.Background(), events.Authenticate, userID); err != nil {
		log.Warn().Err(err).Msg("failed to publish authenticate")
	}
	f.dispatch.Publish(events.ConnectedPayload{Reconnect: reconnect})
}

// ackMsg is the part of jetstream.Msg the feed needs.
type ackMsg interface {
	Data() []byte
	Subject() string
	Ack() error
	Term() error
}

// handle decodes one message and fans it out. Malformed messages are terminated since
// redelivery cannot fix them.
func (f *Feed) handle(msg ackMsg) {
	ev, err := events.Decode(msg.Data())
	if err != nil {
		reason := "malformed"
		if errors.Is(err, events.ErrUnknownEvent) {
			reason = "unknown_event"
		}
		log.Warn().
			Err(err).
			Str("subject", msg.Subject()).
			Msg("dropping undecodable presence message")
		f.metrics.RecordDroppedFrame(transportNATS, reason)
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
		return
	}

	f.dispatch.Publish(ev)

	if ackErr := msg.Ack(); ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to ACK message")
	}
}
