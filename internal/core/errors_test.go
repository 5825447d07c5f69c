// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campuslink/campuslink/pkg/protocol"
)

func TestClientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want protocol.ErrorPayload
	}{
		{
			name: "coded error keeps its message",
			err:  ErrInvalidPayload(protocol.EventSendMessage, "conversationId is required"),
			want: protocol.ErrorPayload{
				Code:    CodeInvalidPayload,
				Message: "invalid send-message payload: conversationId is required",
				Event:   protocol.EventSendMessage,
			},
		},
		{
			name: "persist failure hides the store cause",
			err:  ErrPersistFailed(protocol.EventSendGroupMessage, errors.New("pq: password authentication failed")),
			want: protocol.ErrorPayload{
				Code:    CodePersistFailed,
				Message: "message could not be saved",
				Event:   protocol.EventSendGroupMessage,
			},
		},
		{
			name: "uncoded error is generic",
			err:  errors.New("boom"),
			want: protocol.ErrorPayload{
				Code:    "INTERNAL",
				Message: "event could not be processed",
				Event:   protocol.EventSendNewPost,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClientError(tt.want.Event, tt.err))
		})
	}
}

func TestErrRateLimited(t *testing.T) {
	payload := ClientError("", ErrRateLimited(1500))
	assert.Equal(t, CodeRateLimited, payload.Code)
	assert.Empty(t, payload.Event)
}
