// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/campuslink/campuslink/internal/core"
	"github.com/campuslink/campuslink/internal/ws"
	"github.com/campuslink/campuslink/pkg/protocol"
)

var discard = slog.New(slog.DiscardHandler)

type relayServer struct {
	relay   *core.Relay
	handler *ws.Handler
	srv     *httptest.Server
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	relay := core.NewRelay(core.NewRegistry(), core.NewRooms(), core.WithLogger(discard))
	handler, err := ws.NewHandler(relay, ws.Config{AllowedOrigins: []string{"*"}}, ws.WithLogger(discard))
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = handler.Shutdown(ctx)
	})
	return &relayServer{relay: relay, handler: handler, srv: srv}
}

func (rs *relayServer) url() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http")
}

// start runs c until the test ends.
func start(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitConnected(waitCtx))
}

func (rs *relayServer) connOf(t *testing.T, userID string) ulid.ULID {
	t.Helper()
	var connID ulid.ULID
	require.Eventually(t, func() bool {
		id, ok := rs.relay.Registry().Resolve(userID)
		connID = id
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return connID
}

type recorder struct {
	mu     sync.Mutex
	frames []json.RawMessage
}

func (r *recorder) handle(data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, data)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestClient_AnnouncesAndJoinsOnConnect(t *testing.T) {
	rs := newRelayServer(t)
	c := New(rs.url(), "u1", WithLogger(discard))
	require.NoError(t, c.JoinConversation("c1"))
	require.NoError(t, c.JoinGroupChat("g1"))
	require.NoError(t, c.JoinGlobalChat())
	assert.False(t, c.Connected())

	start(t, c)
	connID := rs.connOf(t, "u1")

	require.Eventually(t, func() bool {
		return len(rs.relay.Rooms().RoomsOf(connID)) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t,
		[]core.RoomID{core.ConversationRoom("c1"), core.GlobalRoom, core.GroupRoom("g1")},
		rs.relay.Rooms().RoomsOf(connID))
}

func TestClient_RejoinsAfterReconnect(t *testing.T) {
	rs := newRelayServer(t)
	c := New(rs.url(), "u1", WithLogger(discard), WithReconnect(10*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, c.JoinGroupChat("g1"))
	start(t, c)
	first := rs.connOf(t, "u1")

	// Drop the connection from the client side.
	conn := c.current()
	require.NotNil(t, conn)
	_ = conn.Close()

	var second ulid.ULID
	require.Eventually(t, func() bool {
		id, ok := rs.relay.Registry().Resolve("u1")
		second = id
		return ok && id != first
	}, 3*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return onlyMember(rs.relay.Rooms().Members(core.GroupRoom("g1")), second)
	}, 2*time.Second, 5*time.Millisecond)
}

func onlyMember(ids []ulid.ULID, want ulid.ULID) bool {
	return len(ids) == 1 && ids[0] == want
}

func TestClient_PublishRequiresConnection(t *testing.T) {
	c := New("ws://127.0.0.1:1/socket", "u1", WithLogger(discard))
	err := c.Publish(protocol.EventSendGlobalMessage, map[string]string{"text": "hi"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_ConversationBetweenTwoClients(t *testing.T) {
	rs := newRelayServer(t)
	alice := New(rs.url(), "alice", WithLogger(discard))
	bob := New(rs.url(), "bob", WithLogger(discard))
	require.NoError(t, alice.JoinConversation("c1"))
	require.NoError(t, bob.JoinConversation("c1"))

	got := make(chan json.RawMessage, 1)
	bob.Subscribe(protocol.EventReceiveMessage, func(data json.RawMessage) { got <- data })
	aliceGot := &recorder{}
	alice.Subscribe(protocol.EventReceiveMessage, aliceGot.handle)

	start(t, alice)
	start(t, bob)
	require.Eventually(t, func() bool {
		return len(rs.relay.Rooms().Members(core.ConversationRoom("c1"))) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Publish(protocol.EventSendMessage, map[string]string{
		"_id": "m1", "conversationId": "c1", "content": "hello bob",
	}))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"_id":"m1","conversationId":"c1","content":"hello bob"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the message")
	}
	assert.Zero(t, aliceGot.count(), "sender is excluded")
}

func TestClient_MultipleSubscribers(t *testing.T) {
	rs := newRelayServer(t)
	c := New(rs.url(), "u1", WithLogger(discard))
	first, second := &recorder{}, &recorder{}
	c.Subscribe(protocol.EventReceiveNotification, first.handle)
	unsubscribe := c.Subscribe(protocol.EventReceiveNotification, second.handle)
	start(t, c)
	rs.connOf(t, "u1")

	deliver := func() {
		_, err := rs.relay.DeliverToUser(context.Background(), "u1",
			protocol.EventReceiveNotification, json.RawMessage(`{"_id":"n1"}`))
		require.NoError(t, err)
	}

	deliver()
	require.Eventually(t, func() bool { return first.count() == 1 && second.count() == 1 },
		2*time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	deliver()
	require.Eventually(t, func() bool { return first.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, second.count())
}

func TestClient_LeaveStopsTracking(t *testing.T) {
	rs := newRelayServer(t)
	c := New(rs.url(), "u1", WithLogger(discard))
	require.NoError(t, c.JoinGlobalChat())
	start(t, c)
	rs.connOf(t, "u1")
	require.Eventually(t, func() bool { return rs.relay.Rooms().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.LeaveGlobalChat())
	assert.Empty(t, c.Rooms())
	require.Eventually(t, func() bool { return rs.relay.Rooms().Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_RoomsTrackedOffline(t *testing.T) {
	c := New("ws://127.0.0.1:1/socket", "u1")
	require.NoError(t, c.JoinConversation("c1"))
	require.NoError(t, c.JoinGroupChat("g1"))
	require.NoError(t, c.JoinGroupChat("g1"))
	require.NoError(t, c.LeaveConversation("c1"))
	require.NoError(t, c.LeaveGroupChat("missing"))
	assert.Equal(t, []string{"join-group-chat:g1"}, c.Rooms())
}

func TestClient_WaitConnectedHonorsContext(t *testing.T) {
	c := New("ws://127.0.0.1:1/socket", "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.WaitConnected(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := New(url, "u1", WithLogger(discard), WithReconnect(5*time.Millisecond, 10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	assert.False(t, c.Connected())
}
