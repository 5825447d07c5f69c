// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package core

import (
	"context"
	"sync"
	"time"

	"github.com/campuslink/campuslink/pkg/protocol"
)

// MessageStore persists the messages the relay itself is responsible for
// writing. Implementations assign the canonical id and timestamp.
type MessageStore interface {
	InsertGroupMessage(ctx context.Context, draft protocol.GroupMessageDraft) (protocol.GroupMessage, error)
}

// MemoryMessageStore is an in-memory MessageStore for tests and local runs.
type MemoryMessageStore struct {
	mu       sync.Mutex
	messages []protocol.GroupMessage
	err      error
}

// NewMemoryMessageStore creates an empty in-memory store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{}
}

// FailWith makes subsequent inserts return err. Pass nil to recover.
func (s *MemoryMessageStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// InsertGroupMessage stores the draft and returns the canonical record.
func (s *MemoryMessageStore) InsertGroupMessage(_ context.Context, draft protocol.GroupMessageDraft) (protocol.GroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return protocol.GroupMessage{}, s.err
	}
	msg := protocol.GroupMessage{
		ID:         newULID().String(),
		GroupID:    draft.GroupID,
		SenderID:   draft.SenderID,
		SenderName: draft.SenderName,
		Text:       draft.Text,
		CreatedAt:  time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

// GroupMessages returns the stored messages for groupID in insert order.
func (s *MemoryMessageStore) GroupMessages(groupID string) []protocol.GroupMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []protocol.GroupMessage
	for _, m := range s.messages {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	return out
}
