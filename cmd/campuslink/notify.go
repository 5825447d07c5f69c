// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/internal/dispatch"
)

// notifyConfig holds configuration for the notify command.
type notifyConfig struct {
	relayURL  string
	token     string
	recipient string
	kind      string
	actor     string
	post      string
	message   string
	link      string
	attempts  uint64
	timeout   time.Duration
}

// Validate checks that the configuration is valid.
func (cfg *notifyConfig) Validate() error {
	if cfg.relayURL == "" {
		return fmt.Errorf("relay is required")
	}
	if cfg.recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if cfg.kind != "like" && cfg.kind != "comment" {
		return fmt.Errorf("type must be 'like' or 'comment', got %q", cfg.kind)
	}
	return nil
}

// NewNotifyCmd creates the notify subcommand.
func NewNotifyCmd() *cobra.Command {
	cfg := &notifyConfig{}

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Push a notification through the relay bridge",
		Long: `Send one notification to the dispatch endpoint of a running relay, the
same call the request handling process makes after persisting a like or
comment notification.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNotify(cmd.Context(), cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.relayURL, "relay", "http://localhost:3001", "relay base URL")
	cmd.Flags().StringVar(&cfg.token, "token", "", "bridge bearer token")
	cmd.Flags().StringVar(&cfg.recipient, "recipient", "", "recipient user id")
	cmd.Flags().StringVar(&cfg.kind, "type", "like", "notification type (like or comment)")
	cmd.Flags().StringVar(&cfg.actor, "actor", "", "acting user id")
	cmd.Flags().StringVar(&cfg.post, "post", "", "post id")
	cmd.Flags().StringVar(&cfg.message, "message", "", "optional message text")
	cmd.Flags().StringVar(&cfg.link, "link", "", "optional link")
	cmd.Flags().Uint64Var(&cfg.attempts, "attempts", 3, "delivery attempts on transient failures")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 10*time.Second, "overall timeout")

	return cmd
}

func runNotify(ctx context.Context, cmd *cobra.Command, cfg *notifyConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	n := dispatch.Notification{
		ID:        ulid.Make().String(),
		UserID:    cfg.recipient,
		Type:      cfg.kind,
		ActorID:   cfg.actor,
		PostID:    cfg.post,
		CreatedAt: time.Now().UTC(),
		Message:   cfg.message,
		Link:      cfg.link,
	}

	client := dispatch.NewClient(cfg.relayURL,
		dispatch.WithBearerToken(cfg.token),
		dispatch.WithRetry(cfg.attempts, 200*time.Millisecond),
	)
	if err := client.Dispatch(ctx, n); err != nil {
		return fmt.Errorf("failed to dispatch notification: %w", err)
	}

	cmd.Printf("Notification %s dispatched to %s\n", n.ID, n.UserID)
	return nil
}
