// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package core

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// Registry maps an authenticated user to the single connection that most
// recently announced that identity. A newer announce replaces the older
// mapping; the older connection stays open and keeps its room memberships.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]registration
	byConn map[ulid.ULID]string
}

// registration is a user's current connection and the stamp of the announce
// that created it. Stamps order announces across instances.
type registration struct {
	conn  ulid.ULID
	claim ulid.ULID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]registration),
		byConn: make(map[ulid.ULID]string),
	}
}

// Register records connID as the connection for userID, replacing any prior
// mapping. It returns the replaced connection, if there was a different one.
// A connection carries one identity at a time, so re-announcing a connection
// under a new user drops its old user mapping.
func (r *Registry) Register(userID string, connID ulid.ULID) (previous ulid.ULID, replaced bool) {
	return r.RegisterClaim(userID, connID, newULID())
}

// RegisterClaim is Register with an explicit announce stamp. Later announces
// carry stamps that sort after earlier ones.
func (r *Registry) RegisterClaim(userID string, connID, claim ulid.ULID) (previous ulid.ULID, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldUser, ok := r.byConn[connID]; ok && oldUser != userID {
		delete(r.byUser, oldUser)
	}

	prev, exists := r.byUser[userID]
	if exists && prev.conn != connID {
		delete(r.byConn, prev.conn)
		previous, replaced = prev.conn, true
	}

	r.byUser[userID] = registration{conn: connID, claim: claim}
	r.byConn[connID] = userID
	return previous, replaced
}

// Resolve returns the connection registered for userID.
func (r *Registry) Resolve(userID string) (ulid.ULID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byUser[userID]
	return reg.conn, ok
}

// Unregister removes the mapping owned by connID and reports which user it
// belonged to. Unknown connections are ignored.
func (r *Registry) Unregister(connID ulid.ULID) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if r.byUser[userID].conn == connID {
		delete(r.byUser, userID)
	}
	return userID, true
}

// SupersedeIfOlder drops the local mapping for userID when claim, the stamp
// of an announce accepted by another relay instance, sorts after the local
// announce. It returns the dropped connection. An older or equal claim leaves
// the mapping in place, so crossing claims settle on the newest announce.
func (r *Registry) SupersedeIfOlder(userID string, claim ulid.ULID) (ulid.ULID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byUser[userID]
	if !ok || reg.claim.Compare(claim) >= 0 {
		return ulid.ULID{}, false
	}
	delete(r.byUser, userID)
	delete(r.byConn, reg.conn)
	return reg.conn, true
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
