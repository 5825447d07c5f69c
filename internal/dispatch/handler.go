// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

// Package dispatch is the HTTP side of the delivery bridge: the request
// handling process posts already persisted notifications here and the relay
// pushes them to the recipient's connection.
package dispatch

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/campuslink/campuslink/internal/core"
	"github.com/campuslink/campuslink/internal/observability"
	"github.com/campuslink/campuslink/pkg/errutil"
	"github.com/campuslink/campuslink/pkg/protocol"
)

// Path is the route the bridge is served on.
const Path = "/api/dispatch-notification"

// maxBodyBytes bounds a dispatch request body.
const maxBodyBytes = 1 << 20

// okBody is the plain text response for an accepted request.
const okBody = "Notification dispatched"

// Request is the body of a dispatch call.
type Request struct {
	RecipientID  string          `json:"recipientId"`
	Notification json.RawMessage `json:"notification"`
}

// Deliverer pushes an event to a user's connection. core.Relay implements it.
type Deliverer interface {
	DeliverToUser(ctx context.Context, userID, event string, data json.RawMessage) (core.DeliveryResult, error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithToken requires callers to present token as a bearer credential.
func WithToken(token string) HandlerOption {
	return func(h *Handler) { h.token = token }
}

// WithHandlerMetrics records one notification result per request.
func WithHandlerMetrics(m *observability.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Handler serves POST /api/dispatch-notification.
type Handler struct {
	relay   Deliverer
	token   string
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewHandler creates a dispatch handler delivering through relay.
func NewHandler(relay Deliverer, opts ...HandlerOption) *Handler {
	h := &Handler{relay: relay, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "dispatch")
	return h
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(Path, h)
}

// ServeHTTP accepts a notification for delivery. A well formed request is
// acknowledged with 200 whether or not the recipient is connected.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.fail(w, http.StatusMethodNotAllowed, "rejected", "method not allowed")
		return
	}
	if !h.authorized(r) {
		h.fail(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	// Only a request that can never be delivered gets 400. Every well-formed
	// request is acknowledged with 200 whatever the delivery outcome.
	req, err := decodeRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("rejected dispatch request", "error", err)
		h.fail(w, http.StatusBadRequest, "rejected", err.Error())
		return
	}

	result, err := h.relay.DeliverToUser(r.Context(), req.RecipientID, protocol.EventReceiveNotification, req.Notification)
	if err != nil {
		// The caller cannot act on a delivery failure; it is logged here.
		errutil.LogError(h.logger, "notification delivery failed", err, "recipient_id", req.RecipientID)
		h.metrics.RecordNotification("error")
	} else {
		h.metrics.RecordNotification(string(result))
		h.logger.Debug("dispatched notification", "recipient_id", req.RecipientID, "result", string(result))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, okBody) //nolint:errcheck // client may disconnect
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

func (h *Handler) fail(w http.ResponseWriter, status int, result, msg string) {
	h.metrics.RecordNotification(result)
	http.Error(w, msg, status)
}

func decodeRequest(body io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		return Request{}, errInvalidRequest("body is not valid JSON")
	}
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	if req.RecipientID == "" {
		return Request{}, errInvalidRequest("recipientId is required")
	}
	trimmed := bytes.TrimSpace(req.Notification)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Request{}, errInvalidRequest("notification must be an object")
	}
	return req, nil
}
