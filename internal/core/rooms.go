// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package core

import (
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
)

// RoomID names a delivery group.
type RoomID string

// GlobalRoom is the campus-wide chat every client may join.
const GlobalRoom RoomID = "global-chat"

// ConversationRoom returns the room for a two-party conversation.
func ConversationRoom(conversationID string) RoomID {
	return RoomID("conversation:" + conversationID)
}

// GroupRoom returns the room for a group or course chat.
func GroupRoom(groupID string) RoomID {
	return RoomID("group:" + groupID)
}

// Rooms tracks which connections are subscribed to which rooms. A room exists
// while it has at least one member.
type Rooms struct {
	mu      sync.RWMutex
	members map[RoomID]map[ulid.ULID]struct{}
	joined  map[ulid.ULID]map[RoomID]struct{}
}

// NewRooms creates an empty membership table.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[RoomID]map[ulid.ULID]struct{}),
		joined:  make(map[ulid.ULID]map[RoomID]struct{}),
	}
}

// Join adds connID to room. It returns false if the connection was already a
// member.
func (r *Rooms) Join(connID ulid.ULID, room RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[room]
	if !ok {
		set = make(map[ulid.ULID]struct{})
		r.members[room] = set
	}
	if _, dup := set[connID]; dup {
		return false
	}
	set[connID] = struct{}{}

	rooms, ok := r.joined[connID]
	if !ok {
		rooms = make(map[RoomID]struct{})
		r.joined[connID] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// Leave removes connID from room. It returns false if it was not a member.
func (r *Rooms) Leave(connID ulid.ULID, room RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID, room)
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (r *Rooms) LeaveAll(connID ulid.ULID) []RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.joined[connID]
	left := make([]RoomID, 0, len(rooms))
	for room := range rooms {
		left = append(left, room)
	}
	for _, room := range left {
		r.leaveLocked(connID, room)
	}
	slices.Sort(left)
	return left
}

func (r *Rooms) leaveLocked(connID ulid.ULID, room RoomID) bool {
	set, ok := r.members[room]
	if !ok {
		return false
	}
	if _, member := set[connID]; !member {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, room)
	}

	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
	return true
}

// Members returns the connections subscribed to room, ordered by id.
func (r *Rooms) Members(room RoomID) []ulid.ULID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[room]
	out := make([]ulid.ULID, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	slices.SortFunc(out, func(a, b ulid.ULID) int { return a.Compare(b) })
	return out
}

// RoomsOf returns the rooms connID belongs to, sorted.
func (r *Rooms) RoomsOf(connID ulid.ULID) []RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := r.joined[connID]
	out := make([]RoomID, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}

// Count returns the number of non-empty rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
