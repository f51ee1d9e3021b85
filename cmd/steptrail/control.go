package main

import (
	"fmt"
	"net/http"

	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/spf13/cobra"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	var tabID int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show capture status of the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status steptrail.CaptureStatus
			path := "/v1/status"
			if tabID > 0 {
				path = fmt.Sprintf("/v1/status?tabId=%d", tabID)
			}
			if err := newDaemonClient(root).do(cmd.Context(), http.MethodGet, path, nil, &status); err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().IntVar(&tabID, "tab", 0, "tab whose session to report")
	return cmd
}

func newStartCmd(root *rootOptions) *cobra.Command {
	var tabID int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start capturing a tab",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status steptrail.CaptureStatus
			if err := newDaemonClient(root).control(cmd.Context(), "start-capture", tabID, "", &status); err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().IntVar(&tabID, "tab", 0, "tab to capture")
	_ = cmd.MarkFlagRequired("tab")
	return cmd
}

func newStopCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop capturing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status steptrail.CaptureStatus
			if err := newDaemonClient(root).control(cmd.Context(), "stop-capture", 0, "", &status); err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newDiscardCmd(root *rootOptions) *cobra.Command {
	var (
		tabID     int
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "discard",
		Short: "Remove the last recorded step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result steptrail.DiscardResult
			if err := newDaemonClient(root).control(cmd.Context(), "discard-last-step", tabID, sessionID, &result); err != nil {
				return err
			}
			renderDiscard(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().IntVar(&tabID, "tab", 0, "tab whose session to edit")
	cmd.Flags().StringVar(&sessionID, "session", "", "session to edit")
	return cmd
}

func newSyncCmd(root *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload one session, or every unsynced session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if sessionID != "" {
				body["sessionId"] = sessionID
			}
			var resp struct {
				States map[string]steptrail.SyncState `json:"states"`
			}
			if err := newDaemonClient(root).do(cmd.Context(), http.MethodPost, "/v1/sync", body, &resp); err != nil {
				return err
			}
			renderSyncStates(cmd.OutOrStdout(), resp.States)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session to upload")
	return cmd
}
