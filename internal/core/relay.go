// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package core

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/campuslink/campuslink/internal/observability"
	"github.com/campuslink/campuslink/pkg/errutil"
	"github.com/campuslink/campuslink/pkg/protocol"
)

// Sink is the transport side of an attached connection.
type Sink interface {
	ID() ulid.ULID
	// Send enqueues an encoded frame without blocking. It returns false when
	// the frame was dropped.
	Send(frame []byte) bool
}

// DeliveryResult describes what happened to a single-recipient delivery.
type DeliveryResult string

// Delivery results.
const (
	DeliveredLocal    DeliveryResult = "local"
	DeliveryForwarded DeliveryResult = "forwarded"
	DeliveryDropped   DeliveryResult = "dropped"
	DeliveryOffline   DeliveryResult = "offline"
)

// Relay routes inbound client events to the connections that should observe
// them. It owns the table of attached sinks and consults the Registry and
// Rooms it was constructed with.
type Relay struct {
	instanceID string
	registry   *Registry
	rooms      *Rooms
	store      MessageStore
	bus        Backplane
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu    sync.RWMutex
	sinks map[ulid.ULID]Sink

	// fanoutMu serializes member snapshot plus enqueue so every member of a
	// room observes frames in the same order.
	fanoutMu sync.Mutex

	resubscribeBase time.Duration
	resubscribeMax  time.Duration
}

// Default delays between backplane resubscribe attempts.
const (
	DefaultResubscribeBase = 500 * time.Millisecond
	DefaultResubscribeMax  = 30 * time.Second
)

var errSubscriptionEnded = oops.Code("BACKPLANE_SUBSCRIPTION_ENDED").Errorf("backplane subscription ended")

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithStore sets the store used to persist group messages.
func WithStore(store MessageStore) RelayOption {
	return func(r *Relay) { r.store = store }
}

// WithBackplane connects the relay to peer instances. A nil backplane keeps
// the relay in single-instance mode.
func WithBackplane(bus Backplane) RelayOption {
	return func(r *Relay) { r.bus = bus }
}

// WithMetrics records relay activity.
func WithMetrics(m *observability.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger sets the relay logger.
func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResubscribeBackoff sets the exponential backoff used after the
// backplane subscription fails. Zero values keep the defaults.
func WithResubscribeBackoff(base, maxDelay time.Duration) RelayOption {
	return func(r *Relay) {
		if base > 0 {
			r.resubscribeBase = base
		}
		if maxDelay > 0 {
			r.resubscribeMax = maxDelay
		}
	}
}

// WithInstanceID overrides the generated instance id.
func WithInstanceID(id string) RelayOption {
	return func(r *Relay) {
		if id != "" {
			r.instanceID = id
		}
	}
}

// NewRelay creates a relay over the given registry and rooms.
func NewRelay(registry *Registry, rooms *Rooms, opts ...RelayOption) *Relay {
	r := &Relay{
		instanceID:      uuid.NewString(),
		registry:        registry,
		rooms:           rooms,
		logger:          slog.Default(),
		sinks:           make(map[ulid.ULID]Sink),
		resubscribeBase: DefaultResubscribeBase,
		resubscribeMax:  DefaultResubscribeMax,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay", "instance_id", r.instanceID)
	return r
}

// InstanceID returns the id this relay stamps on backplane envelopes.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Registry returns the relay's connection registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Rooms returns the relay's membership table.
func (r *Relay) Rooms() *Rooms {
	return r.rooms
}

// Attach makes sink reachable for deliveries.
func (r *Relay) Attach(sink Sink) {
	r.mu.Lock()
	r.sinks[sink.ID()] = sink
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.logger.Debug("connection attached", "conn_id", sink.ID().String())
}

// Detach removes every trace of connID: its sink, its user mapping and its
// room memberships. Detaching an unknown connection is a no-op.
func (r *Relay) Detach(connID ulid.ULID) {
	r.mu.Lock()
	_, attached := r.sinks[connID]
	delete(r.sinks, connID)
	r.mu.Unlock()

	userID, registered := r.registry.Unregister(connID)
	left := r.rooms.LeaveAll(connID)

	if !attached {
		return
	}
	r.metrics.ConnectionClosed()
	attrs := []any{"conn_id", connID.String(), "rooms_left", len(left)}
	if registered {
		attrs = append(attrs, "user_id", userID)
	}
	r.logger.Debug("connection detached", attrs...)
}

// Connections returns the number of attached sinks.
func (r *Relay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Announce binds userID to connID, superseding any earlier connection for
// that user here and on peer instances.
func (r *Relay) Announce(ctx context.Context, connID ulid.ULID, userID string) {
	claim := newULID()
	previous, replaced := r.registry.RegisterClaim(userID, connID, claim)
	if replaced {
		r.logger.Info("user re-registered on a new connection",
			"user_id", userID,
			"conn_id", connID.String(),
			"previous_conn_id", previous.String())
	}
	r.publish(ctx, Envelope{
		Kind:   EnvelopeClaim,
		UserID: userID,
		ConnID: connID.String(),
		Claim:  claim.String(),
	})
}

// Join subscribes connID to room.
func (r *Relay) Join(connID ulid.ULID, room RoomID) {
	if r.rooms.Join(connID, room) {
		r.logger.Debug("joined room", "conn_id", connID.String(), "room", string(room))
	}
}

// Leave unsubscribes connID from room.
func (r *Relay) Leave(connID ulid.ULID, room RoomID) {
	if r.rooms.Leave(connID, room) {
		r.logger.Debug("left room", "conn_id", connID.String(), "room", string(room))
	}
}

// HandleFrame applies one inbound frame from connID. Returned errors are
// coded and meant for the originating connection only; the connection stays
// usable.
func (r *Relay) HandleFrame(ctx context.Context, connID ulid.ULID, frame protocol.Frame) error {
	switch frame.Event {
	case protocol.EventRegisterUser:
		r.metrics.RecordInbound(frame.Event)
		userID, err := stringArg(frame)
		if err != nil {
			return err
		}
		r.Announce(ctx, connID, userID)
		return nil

	case protocol.EventJoinConversation, protocol.EventLeaveConversation:
		r.metrics.RecordInbound(frame.Event)
		id, err := stringArg(frame)
		if err != nil {
			return err
		}
		r.joinOrLeave(frame.Event == protocol.EventJoinConversation, connID, ConversationRoom(id))
		return nil

	case protocol.EventJoinGroupChat, protocol.EventLeaveGroupChat:
		r.metrics.RecordInbound(frame.Event)
		id, err := stringArg(frame)
		if err != nil {
			return err
		}
		r.joinOrLeave(frame.Event == protocol.EventJoinGroupChat, connID, GroupRoom(id))
		return nil

	case protocol.EventJoinGlobalChat, protocol.EventLeaveGlobalChat:
		r.metrics.RecordInbound(frame.Event)
		r.joinOrLeave(frame.Event == protocol.EventJoinGlobalChat, connID, GlobalRoom)
		return nil

	case protocol.EventSendMessage:
		r.metrics.RecordInbound(frame.Event)
		return r.handleSendMessage(ctx, connID, frame)

	case protocol.EventSendGroupMessage:
		r.metrics.RecordInbound(frame.Event)
		return r.handleSendGroupMessage(ctx, connID, frame)

	case protocol.EventSendGlobalMessage:
		r.metrics.RecordInbound(frame.Event)
		if !isObject(frame.Data) {
			return ErrInvalidPayload(frame.Event, "payload must be an object")
		}
		return r.FanOutRoom(ctx, GlobalRoom, protocol.EventReceiveGlobalMessage, frame.Data, ulid.ULID{})

	case protocol.EventSendNewPost:
		r.metrics.RecordInbound(frame.Event)
		if !isObject(frame.Data) {
			return ErrInvalidPayload(frame.Event, "payload must be an object")
		}
		return r.Broadcast(ctx, protocol.EventReceiveNewPost, frame.Data)

	default:
		r.metrics.RecordInbound("unknown")
		return ErrUnknownEvent(frame.Event)
	}
}

func (r *Relay) joinOrLeave(join bool, connID ulid.ULID, room RoomID) {
	if join {
		r.Join(connID, room)
		return
	}
	r.Leave(connID, room)
}

// handleSendMessage forwards an already persisted direct message to the other
// participants of its conversation.
func (r *Relay) handleSendMessage(ctx context.Context, connID ulid.ULID, frame protocol.Frame) error {
	var msg protocol.DirectMessage
	if !isObject(frame.Data) || json.Unmarshal(frame.Data, &msg) != nil {
		return ErrInvalidPayload(frame.Event, "payload must be an object")
	}
	if strings.TrimSpace(msg.ConversationID) == "" {
		return ErrInvalidPayload(frame.Event, "conversationId is required")
	}
	return r.FanOutRoom(ctx, ConversationRoom(msg.ConversationID), protocol.EventReceiveMessage, frame.Data, connID)
}

// handleSendGroupMessage persists the draft and only then delivers the
// canonical record to the rest of the group.
func (r *Relay) handleSendGroupMessage(ctx context.Context, connID ulid.ULID, frame protocol.Frame) error {
	var draft protocol.GroupMessageDraft
	if !isObject(frame.Data) || json.Unmarshal(frame.Data, &draft) != nil {
		return ErrInvalidPayload(frame.Event, "payload must be an object")
	}
	switch {
	case strings.TrimSpace(draft.GroupID) == "":
		return ErrInvalidPayload(frame.Event, "groupId is required")
	case strings.TrimSpace(draft.Text) == "":
		return ErrInvalidPayload(frame.Event, "text is required")
	case strings.TrimSpace(draft.SenderID) == "":
		return ErrInvalidPayload(frame.Event, "senderId is required")
	}

	if r.store == nil {
		return ErrStoreUnavailable(frame.Event)
	}
	msg, err := r.store.InsertGroupMessage(ctx, draft)
	if err != nil {
		err = ErrPersistFailed(frame.Event, err)
		errutil.LogError(r.logger, "group message not delivered", err,
			"conn_id", connID.String(), "group_id", draft.GroupID)
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return ErrPersistFailed(frame.Event, err)
	}
	return r.FanOutRoom(ctx, GroupRoom(msg.GroupID), protocol.EventReceiveGroupMessage, data, connID)
}

// FanOutRoom delivers event to every local member of room except exclude
// (pass the zero ULID to include everyone) and forwards it to peers.
func (r *Relay) FanOutRoom(ctx context.Context, room RoomID, event string, data json.RawMessage, exclude ulid.ULID) error {
	raw, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	env := Envelope{Kind: EnvelopeRoom, Room: room, Event: event, Frame: raw}
	if !isZero(exclude) {
		env.ConnID = exclude.String()
	}

	// Publishing under fanoutMu keeps peers in the local delivery order.
	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()
	r.deliverLocked(r.rooms.Members(room), event, raw, exclude)
	r.publish(ctx, env)
	return nil
}

// Broadcast delivers event to every attached connection on every instance.
func (r *Relay) Broadcast(ctx context.Context, event string, data json.RawMessage) error {
	raw, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()
	r.deliverLocked(r.attachedIDs(), event, raw, ulid.ULID{})
	r.publish(ctx, Envelope{Kind: EnvelopeAll, Event: event, Frame: raw})
	return nil
}

// DeliverToUser sends event to the connection registered for userID. When the
// user is not connected here the frame is forwarded to peers. Nothing is
// queued for offline users.
func (r *Relay) DeliverToUser(ctx context.Context, userID, event string, data json.RawMessage) (DeliveryResult, error) {
	raw, err := encodeFrame(event, data)
	if err != nil {
		return DeliveryDropped, err
	}

	if connID, ok := r.registry.Resolve(userID); ok {
		return r.deliverOne(connID, event, raw), nil
	}

	if r.bus == nil {
		r.metrics.RecordDrop(observability.DropOffline)
		return DeliveryOffline, nil
	}
	if !r.publish(ctx, Envelope{Kind: EnvelopeUser, UserID: userID, Event: event, Frame: raw}) {
		r.metrics.RecordDrop(observability.DropBackplane)
		return DeliveryDropped, nil
	}
	return DeliveryForwarded, nil
}

// HandleRemote applies an envelope received from a peer instance. Envelopes
// this instance published itself are ignored.
func (r *Relay) HandleRemote(env Envelope) {
	if env.Origin == r.instanceID {
		return
	}

	switch env.Kind {
	case EnvelopeClaim:
		claim, err := ParseID(env.Claim)
		if err != nil {
			r.logger.Warn("ignoring claim without a valid stamp",
				"user_id", env.UserID, "peer", env.Origin, "error", err)
			return
		}
		if connID, ok := r.registry.SupersedeIfOlder(env.UserID, claim); ok {
			r.logger.Info("user claimed by peer instance",
				"user_id", env.UserID,
				"conn_id", connID.String(),
				"peer", env.Origin)
		}

	case EnvelopeRoom:
		var exclude ulid.ULID
		if env.ConnID != "" {
			if id, err := ParseID(env.ConnID); err == nil {
				exclude = id
			}
		}
		r.fanoutMu.Lock()
		r.deliverLocked(r.rooms.Members(env.Room), env.Event, env.Frame, exclude)
		r.fanoutMu.Unlock()

	case EnvelopeAll:
		r.fanoutMu.Lock()
		r.deliverLocked(r.attachedIDs(), env.Event, env.Frame, ulid.ULID{})
		r.fanoutMu.Unlock()

	case EnvelopeUser:
		if connID, ok := r.registry.Resolve(env.UserID); ok {
			r.deliverOne(connID, env.Event, env.Frame)
		}

	default:
		r.logger.Warn("ignoring unknown envelope", "kind", string(env.Kind), "peer", env.Origin)
	}
}

// Run consumes the backplane until ctx is done. Without a backplane it just
// waits for ctx. A failed or lost subscription is logged and retried with
// backoff; meanwhile the relay keeps serving its own connections.
func (r *Relay) Run(ctx context.Context) {
	if r.bus == nil {
		<-ctx.Done()
		return
	}

	backoff := r.resubscribeBackoff()
	for {
		started := time.Now()
		err := r.bus.Subscribe(ctx, r.HandleRemote)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errSubscriptionEnded
		}
		r.metrics.RecordBackplaneError("subscribe")
		errutil.LogError(r.logger, "backplane subscription lost, serving local connections only", err)

		if time.Since(started) > r.resubscribeMax {
			backoff = r.resubscribeBackoff()
		}
		delay, _ := backoff.Next()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Relay) resubscribeBackoff() retry.Backoff {
	return retry.WithCappedDuration(r.resubscribeMax, retry.NewExponential(r.resubscribeBase))
}

func (r *Relay) publish(ctx context.Context, env Envelope) bool {
	if r.bus == nil {
		return true
	}
	env.Origin = r.instanceID
	if err := r.bus.Publish(ctx, env); err != nil {
		r.metrics.RecordBackplaneError("publish")
		r.logger.Warn("backplane publish failed", "kind", string(env.Kind), "error", err)
		return false
	}
	return true
}

func (r *Relay) sink(connID ulid.ULID) Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[connID]
}

func (r *Relay) attachedIDs() []ulid.ULID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ulid.ULID, 0, len(r.sinks))
	for id := range r.sinks {
		ids = append(ids, id)
	}
	return ids
}

// deliverLocked must be called with fanoutMu held.
func (r *Relay) deliverLocked(ids []ulid.ULID, event string, raw []byte, exclude ulid.ULID) {
	r.mu.RLock()
	targets := make([]Sink, 0, len(ids))
	stale := 0
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if s, ok := r.sinks[id]; ok {
			targets = append(targets, s)
		} else {
			stale++
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(raw) {
			delivered++
			continue
		}
		r.metrics.RecordDrop(observability.DropBufferFull)
		r.logger.Warn("dropping frame for slow connection", "conn_id", s.ID().String(), "event", event)
	}
	for range stale {
		r.metrics.RecordDrop(observability.DropStale)
	}
	r.metrics.RecordDeliveries(event, delivered)
}

func (r *Relay) deliverOne(connID ulid.ULID, event string, raw []byte) DeliveryResult {
	s := r.sink(connID)
	if s == nil {
		r.metrics.RecordDrop(observability.DropStale)
		return DeliveryDropped
	}
	if !s.Send(raw) {
		r.metrics.RecordDrop(observability.DropBufferFull)
		r.logger.Warn("dropping frame for slow connection", "conn_id", connID.String(), "event", event)
		return DeliveryDropped
	}
	r.metrics.RecordDeliveries(event, 1)
	return DeliveredLocal
}

func encodeFrame(event string, data json.RawMessage) ([]byte, error) {
	raw, err := protocol.Frame{Event: event, Data: data}.Encode()
	if err != nil {
		return nil, ErrInvalidPayload(event, "payload is not valid JSON")
	}
	return raw, nil
}

// stringArg decodes the single string argument carried by register and
// join/leave events.
func stringArg(frame protocol.Frame) (string, error) {
	var s string
	if len(frame.Data) == 0 || json.Unmarshal(frame.Data, &s) != nil {
		return "", ErrInvalidPayload(frame.Event, "payload must be a string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidPayload(frame.Event, "payload must not be empty")
	}
	return s, nil
}

func isObject(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func isZero(id ulid.ULID) bool {
	return id == ulid.ULID{}
}
