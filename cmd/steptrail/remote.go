package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/agentworkforce/steptrail/internal/syncconfig"
	"github.com/agentworkforce/steptrail/internal/uploader"
	"github.com/spf13/cobra"
)

func newRemoteCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Read sessions stored at the sync endpoint",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List remote sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := remoteClient(root)
			if err != nil {
				return err
			}
			items, err := client.ListSessions(cmd.Context(), cfg, limit)
			if err != nil {
				return err
			}
			renderRemoteSessions(cmd.OutOrStdout(), items)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")

	get := &cobra.Command{
		Use:   "get SESSION_ID",
		Short: "Print one remote session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := remoteClient(root)
			if err != nil {
				return err
			}
			export, err := client.GetSession(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(export)
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

func remoteClient(root *rootOptions) (*uploader.Client, steptrail.SyncConfig, error) {
	path := root.resolvedSyncConfig()
	cfg, err := syncconfig.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, steptrail.SyncConfig{}, fmt.Errorf("no sync config at %s", path)
	}
	if err != nil {
		return nil, steptrail.SyncConfig{}, err
	}
	client := uploader.NewClient(uploader.Options{
		Tokens:     root.tokenSource(),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	return client, cfg, nil
}
