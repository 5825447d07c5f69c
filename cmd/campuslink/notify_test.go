// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/campuslink/internal/dispatch"
)

func TestNotifyConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     notifyConfig
		wantErr string
	}{
		{"valid", notifyConfig{relayURL: "http://x", recipient: "u1", kind: "like"}, ""},
		{"comment", notifyConfig{relayURL: "http://x", recipient: "u1", kind: "comment"}, ""},
		{"missing relay", notifyConfig{recipient: "u1", kind: "like"}, "relay is required"},
		{"missing recipient", notifyConfig{relayURL: "http://x", kind: "like"}, "recipient is required"},
		{"bad type", notifyConfig{relayURL: "http://x", recipient: "u1", kind: "follow"}, "type must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNotifyCmd_Dispatches(t *testing.T) {
	var got dispatch.Request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, "Notification dispatched")
	}))
	defer srv.Close()

	cmd := NewNotifyCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetArgs([]string{
		"--relay", srv.URL, "--token", "tok", "--recipient", "u1",
		"--type", "comment", "--actor", "u2", "--post", "p1", "--message", "nice post",
	})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "u1", got.RecipientID)
	var n dispatch.Notification
	require.NoError(t, json.Unmarshal(got.Notification, &n))
	assert.Equal(t, "u1", n.UserID)
	assert.Equal(t, "comment", n.Type)
	assert.Equal(t, "u2", n.ActorID)
	assert.Equal(t, "p1", n.PostID)
	assert.Equal(t, "nice post", n.Message)
	assert.False(t, n.Read)
	assert.NotEmpty(t, n.ID)
	assert.False(t, n.CreatedAt.IsZero())
	assert.Contains(t, out.String(), "dispatched to u1")
}

func TestNotifyCmd_RelayRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cmd := NewNotifyCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--relay", srv.URL, "--recipient", "u1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dispatch notification")
}
