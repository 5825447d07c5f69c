// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package core

import (
	"github.com/samber/oops"

	"github.com/campuslink/campuslink/pkg/errutil"
	"github.com/campuslink/campuslink/pkg/protocol"
)

// Error codes for rejected inbound events.
const (
	CodeUnknownEvent     = "UNKNOWN_EVENT"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodePersistFailed    = "PERSIST_FAILED"
	CodeMalformedFrame   = "MALFORMED_FRAME"
	CodeRateLimited      = "RATE_LIMITED"
)

// ErrUnknownEvent creates an error for an event name the relay does not handle.
func ErrUnknownEvent(event string) error {
	return oops.Code(CodeUnknownEvent).
		With("event", event).
		Errorf("unknown event %q", event)
}

// ErrInvalidPayload creates an error for a payload that is missing a field or
// has the wrong shape.
func ErrInvalidPayload(event, reason string) error {
	return oops.Code(CodeInvalidPayload).
		With("event", event).
		With("reason", reason).
		Errorf("invalid %s payload: %s", event, reason)
}

// ErrStoreUnavailable is returned when an event needs the message store and
// none is configured.
func ErrStoreUnavailable(event string) error {
	return oops.Code(CodeStoreUnavailable).
		With("event", event).
		Errorf("message store is not configured")
}

// ErrPersistFailed wraps a store failure. The event was not delivered.
func ErrPersistFailed(event string, cause error) error {
	return oops.Code(CodePersistFailed).
		With("event", event).
		Wrapf(cause, "failed to persist %s", event)
}

// ErrMalformedFrame wraps a frame that could not be decoded.
func ErrMalformedFrame(cause error) error {
	return oops.Code(CodeMalformedFrame).Wrapf(cause, "malformed frame")
}

// ErrRateLimited creates an error for a connection sending too fast.
func ErrRateLimited(cooldownMs int64) error {
	return oops.Code(CodeRateLimited).
		With("cooldown_ms", cooldownMs).
		Errorf("too many events, slow down")
}

// ClientError converts an error into the diagnostic sent back to the
// originating connection. Uncoded errors are reported generically so internal
// details do not leak to clients.
func ClientError(event string, err error) protocol.ErrorPayload {
	payload := protocol.ErrorPayload{
		Code:    "INTERNAL",
		Message: "event could not be processed",
		Event:   event,
	}
	code := errutil.Code(err)
	if code == "" {
		return payload
	}
	payload.Code = code
	switch code {
	case CodePersistFailed:
		// The cause is a store error; keep it server side.
		payload.Message = "message could not be saved"
	default:
		payload.Message = err.Error()
	}
	return payload
}
