package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworkforce/steptrail/internal/exportfs"
	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/spf13/cobra"
)

func newExportCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded sessions as files",
	}

	dir := &cobra.Command{
		Use:   "dir PATH",
		Short: "Write sessions, steps and thumbnails under PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := loadExportTree(root)
			if err != nil {
				return err
			}
			if err := exportfs.WriteDir(tree, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d files to %s\n", len(tree.Files), args[0])
			return nil
		},
	}

	mount := &cobra.Command{
		Use:   "mount MOUNTPOINT",
		Short: "Mount a read-only snapshot of the store until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := loadExportTree(root)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return exportfs.Mount(ctx, args[0], tree, log.Default())
		},
	}

	cmd.AddCommand(dir, mount)
	return cmd
}

// loadExportTree reads the store directly, so it works with or without a
// running daemon.
func loadExportTree(root *rootOptions) (*exportfs.Tree, error) {
	backend, err := steptrail.BuildStateBackendFromDSN(root.resolvedStateDSN())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	repo := steptrail.NewRepository(backend, nil, nil)
	defer repo.Close()
	state, err := repo.Load()
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	return exportfs.BuildTree(state)
}
