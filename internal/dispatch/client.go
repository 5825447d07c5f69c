// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Notification is the record the request handling process persists before
// dispatching it. The relay forwards it to the recipient untouched.
type Notification struct {
	ID        string    `json:"_id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	ActorID   string    `json:"actorId"`
	PostID    string    `json:"postId"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
	Message   string    `json:"message,omitempty"`
	Link      string    `json:"link,omitempty"`
}

// Client calls the dispatch endpoint of a relay.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	attempts uint64
	backoff  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetry retries transport errors and 5xx responses up to attempts times
// in total, backing off exponentially from base.
func WithRetry(attempts uint64, base time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if base > 0 {
			c.backoff = base
		}
	}
}

// NewClient creates a client for the relay at baseURL, for example
// "http://localhost:3001".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: strings.TrimSuffix(baseURL, "/") + Path,
		http:     &http.Client{Timeout: 5 * time.Second},
		attempts: 1,
		backoff:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch sends n to its recipient.
func (c *Client) Dispatch(ctx context.Context, n Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return oops.Code(CodeDispatchFailed).Wrapf(err, "encode notification")
	}
	return c.DispatchRaw(ctx, n.UserID, raw)
}

// DispatchRaw sends an arbitrary notification object to recipientID.
func (c *Client) DispatchRaw(ctx context.Context, recipientID string, notification json.RawMessage) error {
	body, err := json.Marshal(Request{RecipientID: recipientID, Notification: notification})
	if err != nil {
		return oops.Code(CodeDispatchFailed).With("recipient_id", recipientID).Wrapf(err, "encode request")
	}

	backoff := retry.WithMaxRetries(c.attempts-1, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return c.post(ctx, body)
	})
	if err != nil {
		return oops.Code(CodeDispatchFailed).
			With("recipient_id", recipientID).
			With("endpoint", c.endpoint).
			Wrap(err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err //nolint:wrapcheck // wrapped by DispatchRaw
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for reuse
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best effort detail
	statusErr := fmt.Errorf("relay responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= http.StatusInternalServerError {
		return retry.RetryableError(statusErr)
	}
	return statusErr
}
