// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package core

import (
	"context"
	"encoding/json"
)

// EnvelopeKind identifies what a backplane envelope asks peers to do.
type EnvelopeKind string

const (
	// EnvelopeClaim announces that a user registered on the origin instance.
	// Peers drop their own mapping for that user unless it came from a later
	// announce.
	EnvelopeClaim EnvelopeKind = "claim"
	// EnvelopeRoom fans a frame out to the room's local members.
	EnvelopeRoom EnvelopeKind = "room"
	// EnvelopeUser delivers a frame to the user's local connection, if any.
	EnvelopeUser EnvelopeKind = "user"
	// EnvelopeAll delivers a frame to every local connection.
	EnvelopeAll EnvelopeKind = "all"
)

// Envelope is a registry delta or fan-out request exchanged between relay
// instances.
type Envelope struct {
	Origin string       `json:"origin"`
	Kind   EnvelopeKind `json:"kind"`
	Room   RoomID       `json:"room,omitempty"`
	UserID string       `json:"userId,omitempty"`
	// ConnID is the claiming connection for claims and the excluded sender
	// for room fan-outs.
	ConnID string `json:"connId,omitempty"`
	// Claim stamps a claim with its announce. Stamps are ULIDs, so they sort
	// by announce time across instances.
	Claim string          `json:"claim,omitempty"`
	Event string          `json:"event,omitempty"`
	Frame json.RawMessage `json:"frame,omitempty"`
}

// Backplane carries envelopes between relay instances.
type Backplane interface {
	// Publish sends env to every subscribed instance, including the sender.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls handle for each received envelope until ctx is done.
	Subscribe(ctx context.Context, handle func(Envelope)) error
	// Close releases the backplane connection.
	Close() error
}
