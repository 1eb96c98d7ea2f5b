package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/studysync/go/internal/events"
)

// fakeServer is a minimal realtime server: it records inbound frames and lets the test push
// frames to the most recent connection.
type fakeServer struct {
	srv      *httptest.Server
	inbound  chan events.Envelope
	outbound chan []byte
	conns    atomic.Int32
	userIDs  chan string
	// dropFirst closes the first connection right after it authenticates.
	dropFirst bool
	// refuseRedials makes the server reject new connections once the first is dropped.
	refuseRedials atomic.Bool
	refusing      atomic.Bool
}

func newFakeServer(t *testing.T, dropFirst bool) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		inbound:   make(chan events.Envelope, 32),
		outbound:  make(chan []byte, 32),
		userIDs:   make(chan string, 8),
		dropFirst: dropFirst,
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fs.refusing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := fs.conns.Add(1)
		fs.userIDs <- r.URL.Query().Get("user_id")

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, frame, err := ws.ReadMessage()
				if err != nil {
					return
				}
				var env events.Envelope
				if json.Unmarshal(frame, &env) == nil {
					fs.inbound <- env
				}
				if fs.dropFirst && n == 1 && env.Event == events.Authenticate {
					if fs.refuseRedials.Load() {
						fs.refusing.Store(true)
					}
					ws.Close()
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case frame := <-fs.outbound:
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

func recvEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func recvEnvelope(t *testing.T, ch <-chan events.Envelope) events.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return events.Envelope{}
	}
}

func TestConnectAuthenticatesAndDeliversTypedEvents(t *testing.T) {
	fs := newFakeServer(t, false)
	conn := NewConn(testConfig(fs.url()), nil, nil)

	sub, unsubscribe := conn.Subscribe(8)
	defer unsubscribe()

	require.NoError(t, conn.Connect(context.Background(), "me"))
	defer conn.Disconnect()

	assert.Equal(t, "me", <-fs.userIDs)

	auth := recvEnvelope(t, fs.inbound)
	assert.Equal(t, events.Authenticate, auth.Event)
	assert.JSONEq(t, `"me"`, string(auth.Data))

	connected, ok := recvEvent(t, sub).(events.ConnectedPayload)
	require.True(t, ok)
	assert.False(t, connected.Reconnect)

	fs.outbound <- []byte(`garbage`)
	fs.outbound <- []byte(`{"event":"userDisconnected","data":{"userId":"u1"}}`)

	ev := recvEvent(t, sub)
	assert.Equal(t, events.UserDisconnectedPayload{UserID: "u1"}, ev, "malformed frames are dropped before reaching subscribers")
}

func TestEmitWritesFrames(t *testing.T) {
	fs := newFakeServer(t, false)
	conn := NewConn(testConfig(fs.url()), nil, nil)

	require.NoError(t, conn.Connect(context.Background(), "me"))
	defer conn.Disconnect()
	recvEnvelope(t, fs.inbound)

	require.NoError(t, conn.Emit(context.Background(), events.GetGroupStatus, "g1"))

	env := recvEnvelope(t, fs.inbound)
	assert.Equal(t, events.GetGroupStatus, env.Event)
	assert.JSONEq(t, `"g1"`, string(env.Data))
}

func TestEmitWhileDisconnectedFails(t *testing.T) {
	conn := NewConn(testConfig("ws://127.0.0.1:1/ws"), nil, nil)
	err := conn.Emit(context.Background(), events.UserIdle, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectAuthenticatesAgainAndSignals(t *testing.T) {
	fs := newFakeServer(t, true)
	conn := NewConn(testConfig(fs.url()), nil, nil)

	sub, unsubscribe := conn.Subscribe(8)
	defer unsubscribe()

	require.NoError(t, conn.Connect(context.Background(), "me"))
	defer conn.Disconnect()

	first := recvEvent(t, sub).(events.ConnectedPayload)
	assert.False(t, first.Reconnect)

	second := recvEvent(t, sub).(events.ConnectedPayload)
	assert.True(t, second.Reconnect)

	assert.Equal(t, events.Authenticate, recvEnvelope(t, fs.inbound).Event)
	assert.Equal(t, events.Authenticate, recvEnvelope(t, fs.inbound).Event)
	assert.Equal(t, int32(2), fs.conns.Load())
}

func TestExhaustedReconnectSignalsAndAllowsConnect(t *testing.T) {
	fs := newFakeServer(t, true)
	fs.refuseRedials.Store(true)

	cfg := testConfig(fs.url())
	cfg.ReconnectAttempts = 2
	conn := NewConn(cfg, nil, nil)

	sub, unsubscribe := conn.Subscribe(8)
	defer unsubscribe()

	require.NoError(t, conn.Connect(context.Background(), "me"))
	defer conn.Disconnect()

	_, ok := recvEvent(t, sub).(events.ConnectedPayload)
	require.True(t, ok)

	lost, ok := recvEvent(t, sub).(events.ConnectionLostPayload)
	require.True(t, ok, "subscribers are told the channel is gone")
	assert.Equal(t, 2, lost.Attempts)
	assert.False(t, conn.Connected())
	assert.ErrorIs(t, conn.Emit(context.Background(), events.UserIdle, nil), ErrNotConnected)

	fs.refusing.Store(false)
	require.NoError(t, conn.Connect(context.Background(), "me"))

	again, ok := recvEvent(t, sub).(events.ConnectedPayload)
	require.True(t, ok)
	assert.False(t, again.Reconnect)
	assert.True(t, conn.Connected())
	assert.Equal(t, int32(2), fs.conns.Load())
}

func TestDisconnectClosesSubscribers(t *testing.T) {
	fs := newFakeServer(t, false)
	conn := NewConn(testConfig(fs.url()), nil, nil)
	sub, _ := conn.Subscribe(8)

	require.NoError(t, conn.Connect(context.Background(), "me"))
	recvEvent(t, sub)

	require.NoError(t, conn.Disconnect())
	assert.False(t, conn.Connected())

	_, open := <-sub
	assert.False(t, open)
}

func TestDispatcherDropsForFullSubscriber(t *testing.T) {
	d := NewDispatcher("test")
	slow, _ := d.Subscribe(1)
	fast, _ := d.Subscribe(4)

	d.Publish(events.UserDisconnectedPayload{UserID: "a"})
	d.Publish(events.UserDisconnectedPayload{UserID: "b"})

	assert.Len(t, slow, 1)
	assert.Len(t, fast, 2)

	d.Close()
	assert.Equal(t, 0, d.Subscribers())
}
