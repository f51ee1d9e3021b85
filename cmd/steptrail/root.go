package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/steptrail/internal/uploader"
	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:7878"

type rootOptions struct {
	server       string
	apiToken     string
	dataDir      string
	stateDSN     string
	syncConfig   string
	token        string
	tokenFile    string
	tokenCommand string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "steptrail",
		Short:         "Record browser interactions as step-by-step sessions and sync them",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOrDefault("STEPTRAIL_SERVER", defaultServerURL), "daemon base URL for control commands")
	flags.StringVar(&opts.apiToken, "api-token", strings.TrimSpace(os.Getenv("STEPTRAIL_API_TOKEN")), "bearer token protecting the daemon API")
	flags.StringVar(&opts.dataDir, "data-dir", envOrDefault("STEPTRAIL_DATA_DIR", defaultDataDir()), "directory for the store, lock and sync config")
	flags.StringVar(&opts.stateDSN, "state-dsn", strings.TrimSpace(os.Getenv("STEPTRAIL_STATE_DSN")), "store DSN (file, sqlite://, postgres://, memory://); defaults to <data-dir>/state.json")
	flags.StringVar(&opts.syncConfig, "sync-config", strings.TrimSpace(os.Getenv("STEPTRAIL_SYNC_CONFIG")), "sync config file; defaults to <data-dir>/sync.json")
	flags.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("STEPTRAIL_TOKEN")), "static bearer token for the sync endpoint")
	flags.StringVar(&opts.tokenFile, "token-file", strings.TrimSpace(os.Getenv("STEPTRAIL_TOKEN_FILE")), "file holding the sync endpoint token")
	flags.StringVar(&opts.tokenCommand, "token-command", strings.TrimSpace(os.Getenv("STEPTRAIL_TOKEN_COMMAND")), "shell command printing the sync endpoint token")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newDiscardCmd(opts),
		newSyncCmd(opts),
		newRemoteCmd(opts),
		newExportCmd(opts),
	)
	return root
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "steptrail")
	}
	return ".steptrail"
}

func (o *rootOptions) resolvedStateDSN() string {
	if dsn := strings.TrimSpace(o.stateDSN); dsn != "" {
		return dsn
	}
	return filepath.Join(o.dataDir, "state.json")
}

func (o *rootOptions) resolvedSyncConfig() string {
	if path := strings.TrimSpace(o.syncConfig); path != "" {
		return path
	}
	return filepath.Join(o.dataDir, "sync.json")
}

func (o *rootOptions) lockPath() string {
	return filepath.Join(o.dataDir, "steptrail.lock")
}

// tokenSource picks the first configured credential and caches it until the
// endpoint rejects it. A token file is re-read after eviction.
func (o *rootOptions) tokenSource() uploader.TokenSource {
	var inner uploader.TokenSource
	switch {
	case strings.TrimSpace(o.token) != "":
		inner = uploader.StaticToken(o.token)
	case strings.TrimSpace(o.tokenFile) != "":
		inner = uploader.FileToken{Path: o.tokenFile}
	case strings.TrimSpace(o.tokenCommand) != "":
		inner = uploader.CommandToken{Command: o.tokenCommand}
	default:
		return nil
	}
	return uploader.NewCachingTokenSource(inner)
}
