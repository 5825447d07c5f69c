// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// RelayStatus holds the status information for a relay instance.
type RelayStatus struct {
	Component   string `json:"component"`
	Running     bool   `json:"running"`
	Health      string `json:"health,omitempty"`
	Instance    string `json:"instance,omitempty"`
	Connections int    `json:"connections,omitempty"`
	Users       int    `json:"users,omitempty"`
	Rooms       int    `json:"rooms,omitempty"`
	Error       string `json:"error,omitempty"`
}

// relayHealth mirrors the relay /healthz body.
type relayHealth struct {
	Status      string `json:"status"`
	Instance    string `json:"instance"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Rooms       int    `json:"rooms"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	relayURL   string
	metricsURL string
	jsonOutput bool
	timeout    time.Duration
}

// NewStatusCmd creates the status subcommand with all flags configured.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running relay",
		Long:  `Probe the relay health endpoint and the observability readiness probe.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.relayURL, "relay", "http://localhost:3001", "relay base URL")
	cmd.Flags().StringVar(&cfg.metricsURL, "metrics", "http://127.0.0.1:9100", "observability base URL (empty = skip)")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 2*time.Second, "probe timeout")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	client := &http.Client{Timeout: cfg.timeout}

	statuses := []RelayStatus{queryRelayStatus(client, cfg.relayURL)}
	if cfg.metricsURL != "" {
		statuses = append(statuses, queryReadiness(client, cfg.metricsURL))
	}

	var output string
	var err error

	if cfg.jsonOutput {
		output, err = formatStatusJSON(statuses)
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
	} else {
		output = formatStatusTable(statuses)
	}

	cmd.Println(output)
	return nil
}

// queryRelayStatus reads /healthz from the relay listener.
func queryRelayStatus(client *http.Client, baseURL string) RelayStatus {
	status := RelayStatus{Component: "relay"}

	resp, err := client.Get(strings.TrimSuffix(baseURL, "/") + "/healthz")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return status
	}

	var health relayHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		status.Error = fmt.Sprintf("failed to decode health response: %v", err)
		return status
	}

	status.Running = true
	status.Health = health.Status
	status.Instance = health.Instance
	status.Connections = health.Connections
	status.Users = health.Users
	status.Rooms = health.Rooms
	return status
}

// queryReadiness reads the readiness probe of the observability listener.
func queryReadiness(client *http.Client, baseURL string) RelayStatus {
	status := RelayStatus{Component: "observability"}

	resp, err := client.Get(strings.TrimSuffix(baseURL, "/") + "/healthz/readiness")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	status.Running = true
	if resp.StatusCode == http.StatusOK {
		status.Health = "ready"
	} else {
		status.Health = "not ready"
	}
	return status
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(statuses []RelayStatus) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "COMPONENT\tSTATUS\tHEALTH\tCONNECTIONS\tUSERS\tROOMS")
	_, _ = fmt.Fprintln(w, "---------\t------\t------\t-----------\t-----\t-----")

	for _, status := range statuses {
		switch {
		case !status.Running:
			reason := "not running"
			if status.Error != "" {
				reason = status.Error
			}
			_, _ = fmt.Fprintf(w, "%s\tstopped\t-\t-\t-\t%s\n", status.Component, reason)
		case status.Component == "relay":
			_, _ = fmt.Fprintf(w, "%s\trunning\t%s\t%d\t%d\t%d\n",
				status.Component, status.Health, status.Connections, status.Users, status.Rooms)
		default:
			_, _ = fmt.Fprintf(w, "%s\trunning\t%s\t-\t-\t-\n", status.Component, status.Health)
		}
	}

	_ = w.Flush()
	return b.String()
}

// formatStatusJSON formats the status as JSON.
func formatStatusJSON(statuses []RelayStatus) (string, error) {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}
