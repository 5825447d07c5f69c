// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

// Package protocol defines the JSON frames exchanged between the relay and
// its clients.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound events (client to relay).
const (
	EventRegisterUser      = "register-user"
	EventJoinConversation  = "join-conversation"
	EventJoinGroupChat     = "join-group-chat"
	EventJoinGlobalChat    = "join-global-chat"
	EventLeaveConversation = "leave-conversation"
	EventLeaveGroupChat    = "leave-group-chat"
	EventLeaveGlobalChat   = "leave-global-chat"
	EventSendMessage       = "send-message"
	EventSendGroupMessage  = "send-group-message"
	EventSendGlobalMessage = "send-global-message"
	EventSendNewPost       = "send-new-post"
)

// Outbound events (relay to client).
const (
	EventReceiveMessage       = "receive-message"
	EventReceiveGroupMessage  = "receive-group-message"
	EventReceiveGlobalMessage = "receive-global-message"
	EventReceiveNewPost       = "receive-new-post"
	EventReceiveNotification  = "receive-notification"
	EventError                = "error"
)

// Frame is a single websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a frame for event. A nil data yields a frame
// without a payload.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err //nolint:wrapcheck // caller adds context
	}
	return Frame{Event: event, Data: raw}, nil
}

// Encode returns the wire form of the frame.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f) //nolint:wrapcheck // json errors are descriptive
}

// Decode parses a wire frame. Frames without an event name are rejected.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err //nolint:wrapcheck // caller adds context
	}
	if f.Event == "" {
		return Frame{}, ErrMissingEvent
	}
	return f, nil
}

// DirectMessage is the subset of a persisted conversation message the relay
// needs for routing. The full record is forwarded verbatim.
type DirectMessage struct {
	ConversationID string `json:"conversationId"`
}

// GroupMessageDraft is the payload of send-group-message.
type GroupMessageDraft struct {
	GroupID    string `json:"groupId"`
	Text       string `json:"text"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

// GroupMessage is a group chat message after the store assigned its id and
// timestamp.
type GroupMessage struct {
	ID         string    `json:"_id"`
	GroupID    string    `json:"groupId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ErrorPayload is sent back to a connection whose frame was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
