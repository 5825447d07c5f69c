// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

// Package sessionclient is a Go client for the relay. It keeps one
// connection open, re-announces the user and rejoins tracked rooms every time
// it reconnects, and multiplexes inbound events to any number of handlers.
package sessionclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/campuslink/campuslink/pkg/protocol"
)

// ErrNotConnected is returned by Publish when there is no live connection.
// Frames are never queued for a later connection.
var ErrNotConnected = oops.Code("NOT_CONNECTED").Errorf("not connected to relay")

// Handler receives the data of an inbound event.
type Handler func(data json.RawMessage)

// room is a tracked membership, replayed on every connect.
type room struct {
	join  string
	leave string
	arg   string
}

func (r room) data() any {
	if r.join == protocol.EventJoinGlobalChat {
		return nil
	}
	return r.arg
}

// Client is a relay session for one user.
type Client struct {
	url    string
	userID string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	backoffBase time.Duration
	backoffMax  time.Duration
	writeWait   time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	ready    chan struct{}
	rooms    map[string]room
	handlers map[string]map[uint64]Handler
	nextID   uint64

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithHeader sets headers sent with the websocket handshake, such as Origin.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReconnect sets the exponential reconnect delay bounds.
func WithReconnect(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
		if maxDelay > 0 {
			c.backoffMax = maxDelay
		}
	}
}

// New creates a client for the relay endpoint url (ws:// or wss://) acting
// as userID.
func New(url, userID string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		userID:      userID,
		dialer:      websocket.DefaultDialer,
		logger:      slog.Default(),
		backoffBase: 500 * time.Millisecond,
		backoffMax:  30 * time.Second,
		writeWait:   10 * time.Second,
		ready:       make(chan struct{}),
		rooms:       make(map[string]room),
		handlers:    make(map[string]map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "sessionclient", "user_id", userID)
	return c
}

func (c *Client) newBackoff() retry.Backoff {
	b := retry.NewExponential(c.backoffBase)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(c.backoffMax, b)
}

// Run connects and keeps reconnecting until ctx is done. It returns nil when
// ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.newBackoff()
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			backoff = c.newBackoff()
		}
		delay, _ := backoff.Next()
		c.logger.Info("relay connection lost, reconnecting", "error", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. established reports whether the handshake
// and announce succeeded.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // handshake body is unused
	}
	if err != nil {
		return false, oops.Code("DIAL_FAILED").With("url", c.url).Wrap(err)
	}

	if err := c.announce(conn); err != nil {
		_ = conn.Close() //nolint:errcheck // already failing
		return false, err
	}
	c.logger.Debug("connected to relay", "url", c.url)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // closing anyway
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close() //nolint:errcheck // unblocks the reader
		case <-stop:
		}
	}()

	err = c.readLoop(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	_ = conn.Close() //nolint:errcheck // may already be closed
	return true, err
}

// announce sends register-user and one join per tracked room before the
// connection is published to Publish and Join callers.
func (c *Client) announce(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(conn, protocol.EventRegisterUser, c.userID); err != nil {
		return oops.Code("ANNOUNCE_FAILED").Wrap(err)
	}
	keys := make([]string, 0, len(c.rooms))
	for key := range c.rooms {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		r := c.rooms[key]
		if err := c.write(conn, r.join, r.data()); err != nil {
			return oops.Code("ANNOUNCE_FAILED").With("room", key).Wrap(err)
		}
	}

	c.conn = conn
	close(c.ready)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err //nolint:wrapcheck // logged by Run
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("ignoring malformed frame from relay", "error", err)
			continue
		}
		if frame.Event == protocol.EventError {
			c.logger.Debug("relay rejected frame", "data", string(frame.Data))
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame protocol.Frame) {
	c.mu.Lock()
	set := c.handlers[frame.Event]
	handlers := make([]Handler, 0, len(set))
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, set[id])
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(frame.Data)
	}
}

func (c *Client) write(conn *websocket.Conn, event string, data any) error {
	frame, err := protocol.NewFrame(event, data)
	if err != nil {
		return oops.Code("ENCODE_FAILED").With("event", event).Wrap(err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return oops.Code("WRITE_FAILED").With("event", event).Wrap(err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return oops.Code("WRITE_FAILED").With("event", event).Wrap(err)
	}
	return nil
}

// current returns the live connection or nil.
func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connected reports whether a connection is live.
func (c *Client) Connected() bool {
	return c.current() != nil
}

// WaitConnected blocks until a connection is live or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // caller's deadline
	}
}

// Publish sends event with payload on the live connection.
func (c *Client) Publish(event string, payload any) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, event, payload)
}

// Subscribe registers h for event. Several handlers may share an event; each
// receives every frame. The returned func removes h.
func (c *Client) Subscribe(event string, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	set, ok := c.handlers[event]
	if !ok {
		set = make(map[uint64]Handler)
		c.handlers[event] = set
	}
	set[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.handlers[event], id)
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
		})
	}
}

// JoinConversation tracks a conversation room.
func (c *Client) JoinConversation(conversationID string) error {
	return c.join(room{join: protocol.EventJoinConversation, leave: protocol.EventLeaveConversation, arg: conversationID})
}

// JoinGroupChat tracks a group or course chat room.
func (c *Client) JoinGroupChat(groupID string) error {
	return c.join(room{join: protocol.EventJoinGroupChat, leave: protocol.EventLeaveGroupChat, arg: groupID})
}

// JoinGlobalChat tracks the campus-wide chat.
func (c *Client) JoinGlobalChat() error {
	return c.join(room{join: protocol.EventJoinGlobalChat, leave: protocol.EventLeaveGlobalChat})
}

// LeaveConversation stops tracking a conversation room.
func (c *Client) LeaveConversation(conversationID string) error {
	return c.leave(room{join: protocol.EventJoinConversation, leave: protocol.EventLeaveConversation, arg: conversationID})
}

// LeaveGroupChat stops tracking a group chat room.
func (c *Client) LeaveGroupChat(groupID string) error {
	return c.leave(room{join: protocol.EventJoinGroupChat, leave: protocol.EventLeaveGroupChat, arg: groupID})
}

// LeaveGlobalChat stops tracking the campus-wide chat.
func (c *Client) LeaveGlobalChat() error {
	return c.leave(room{join: protocol.EventJoinGlobalChat, leave: protocol.EventLeaveGlobalChat})
}

// Rooms returns the tracked room keys, sorted.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.rooms))
	for key := range c.rooms {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// join records r and sends it now when connected. Otherwise it is sent on the
// next connect.
func (c *Client) join(r room) error {
	c.mu.Lock()
	c.rooms[r.join+":"+r.arg] = r
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, r.join, r.data())
}

func (c *Client) leave(r room) error {
	c.mu.Lock()
	delete(c.rooms, r.join+":"+r.arg)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, r.leave, r.data())
}
