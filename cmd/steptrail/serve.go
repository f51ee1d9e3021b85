package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/steptrail/internal/browser"
	"github.com/agentworkforce/steptrail/internal/httpapi"
	"github.com/agentworkforce/steptrail/internal/lockfile"
	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/agentworkforce/steptrail/internal/syncconfig"
	"github.com/agentworkforce/steptrail/internal/thumbnail"
	"github.com/agentworkforce/steptrail/internal/uploader"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	addr           string
	cdpURL         string
	noThumbnails   bool
	uploadTimeout  time.Duration
	captureTimeout time.Duration
	rateLimit      int
	maxBodyBytes   int64
	streamOrigins  []string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", envOrDefault("STEPTRAIL_ADDR", "127.0.0.1:7878"), "listen address")
	flags.StringVar(&opts.cdpURL, "cdp-url", strings.TrimSpace(os.Getenv("STEPTRAIL_CDP_URL")), "DevTools URL of the browser to screenshot; empty launches a headless one")
	flags.BoolVar(&opts.noThumbnails, "no-thumbnails", false, "do not capture step thumbnails")
	flags.DurationVar(&opts.uploadTimeout, "upload-timeout", durationEnv("STEPTRAIL_UPLOAD_TIMEOUT", 30*time.Second), "per-upload timeout")
	flags.DurationVar(&opts.captureTimeout, "capture-timeout", durationEnv("STEPTRAIL_CAPTURE_TIMEOUT", thumbnail.DefaultCaptureTimeout), "per-screenshot timeout")
	flags.IntVar(&opts.rateLimit, "rate-limit", intEnv("STEPTRAIL_RATE_LIMIT_MAX", 0), "requests per minute per client (0 disables)")
	flags.Int64Var(&opts.maxBodyBytes, "max-body-bytes", int64Env("STEPTRAIL_MAX_BODY_BYTES", 0), "request body limit")
	flags.StringSliceVar(&opts.streamOrigins, "stream-origin", listEnv("STEPTRAIL_STREAM_ORIGINS"), "browser origins allowed to open the event stream")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	logger := log.Default()

	lock, err := lockfile.Acquire(root.lockPath())
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	defer lock.Release()

	backend, err := steptrail.BuildStateBackendFromDSN(root.resolvedStateDSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	client := uploader.NewClient(uploader.Options{
		Tokens:     root.tokenSource(),
		HTTPClient: &http.Client{Timeout: opts.uploadTimeout},
		Logger:     logger,
	})

	var thumbnails steptrail.ThumbnailSource
	if !opts.noThumbnails {
		capturer := browser.NewCapturer(opts.cdpURL, logger)
		defer capturer.Close()
		thumbnails = thumbnail.NewPipeline(capturer, thumbnail.Options{CaptureTimeout: opts.captureTimeout}, logger)
	}

	engine, err := steptrail.NewEngine(steptrail.EngineOptions{
		Backend:       backend,
		Thumbnails:    thumbnails,
		Uploader:      client,
		Logger:        logger,
		UploadTimeout: opts.uploadTimeout,
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Close()

	watcher := syncconfig.NewWatcher(root.resolvedSyncConfig(), engine, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Printf("syncconfig: watcher stopped: %v", err)
		}
	}()

	handler := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		APIToken:             root.apiToken,
		RateLimitMax:         opts.rateLimit,
		MaxBodyBytes:         opts.maxBodyBytes,
		SyncConfigPath:       root.resolvedSyncConfig(),
		StreamOriginPatterns: opts.streamOrigins,
		Logger:               logger,
	})
	server := &http.Server{
		Addr:              opts.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("steptrail listening on %s store=%s", opts.addr, root.resolvedStateDSN())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Printf("steptrail stopping: %v", context.Cause(ctx))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
