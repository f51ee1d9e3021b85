// Package browser captures tab screenshots over the Chrome DevTools
// protocol.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

var ErrNoVisiblePage = errors.New("no visible page")

type Logger interface {
	Printf(format string, args ...any)
}

// Capturer attaches to a running browser, or launches a headless one when
// no control URL is configured, and screenshots the sender's tab.
type Capturer struct {
	controlURL string
	logger     Logger

	dialTimeout time.Duration

	mu       sync.Mutex
	browser  *rod.Browser
	launched *launcher.Launcher
	cancel   context.CancelFunc
	dialing  *dialAttempt
	closed   bool
}

const defaultDialTimeout = 30 * time.Second

func NewCapturer(controlURL string, logger Logger) *Capturer {
	return &Capturer{
		controlURL:  strings.TrimSpace(controlURL),
		logger:      logger,
		dialTimeout: defaultDialTimeout,
	}
}

func (c *Capturer) CaptureVisibleTab(ctx context.Context, sender steptrail.SenderContext) ([]byte, error) {
	b, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	b = b.Context(ctx)
	page, err := c.findPage(ctx, b, sender)
	if err != nil {
		return nil, err
	}
	data, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot tab %d: %w", sender.TabID, err)
	}
	return data, nil
}

// connect returns the shared browser. A single dial runs at a time in the
// background; callers wait for it only as long as their own ctx allows, and
// c.mu is never held while dialing.
func (c *Capturer) connect(ctx context.Context) (*rod.Browser, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("capturer closed")
	}
	if c.browser != nil {
		b := c.browser
		c.mu.Unlock()
		return b, nil
	}
	attempt := c.dialing
	if attempt == nil {
		// The connection lives on this ctx until Close; only a dial that
		// overruns dialTimeout cancels it early.
		dialCtx, cancel := context.WithCancel(context.Background())
		attempt = &dialAttempt{done: make(chan struct{}), cancel: cancel}
		c.dialing = attempt
		go c.runDial(dialCtx, attempt)
	}
	c.mu.Unlock()

	select {
	case <-attempt.done:
		if attempt.err != nil {
			return nil, attempt.err
		}
		return attempt.browser, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("connect browser: %w", ctx.Err())
	}
}

type dialAttempt struct {
	done    chan struct{}
	cancel  context.CancelFunc
	browser *rod.Browser
	err     error
}

func (c *Capturer) runDial(ctx context.Context, attempt *dialAttempt) {
	cancel := attempt.cancel
	timer := time.AfterFunc(c.dialTimeout, cancel)
	b, l, err := c.dialBlocking(ctx)
	stopped := timer.Stop()
	if err == nil && !stopped {
		_ = b.Close()
		if l != nil {
			l.Kill()
		}
		b, l, err = nil, nil, fmt.Errorf("connect browser: timed out after %s", c.dialTimeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialing = nil
	if err == nil && c.closed {
		_ = b.Close()
		if l != nil {
			l.Kill()
		}
		err = errors.New("capturer closed")
	}
	if err != nil {
		cancel()
		attempt.err = err
		close(attempt.done)
		if c.logger != nil {
			c.logger.Printf("browser: %v", err)
		}
		return
	}
	c.browser = b
	c.launched = l
	c.cancel = cancel
	attempt.browser = b
	close(attempt.done)
	if c.logger != nil {
		c.logger.Printf("browser: connected")
	}
}

func (c *Capturer) dialBlocking(ctx context.Context) (*rod.Browser, *launcher.Launcher, error) {
	controlURL := c.controlURL
	var l *launcher.Launcher
	switch {
	case controlURL == "":
		path, _ := launcher.LookPath()
		l = launcher.New().Context(ctx).Bin(path).Headless(true)
		launched, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = launched
	case !strings.HasPrefix(controlURL, "ws://") && !strings.HasPrefix(controlURL, "wss://"):
		resolved, err := resolveControlURL(ctx, controlURL)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve control url %s: %w", controlURL, err)
		}
		controlURL = resolved
	}

	b := rod.New().Context(ctx).ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, nil, fmt.Errorf("connect browser: %w", err)
	}
	return b, l, nil
}

// resolveControlURL asks a DevTools HTTP endpoint (host:port or http URL)
// for its browser websocket URL.
func resolveControlURL(ctx context.Context, raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Path = "/json/version"
	u.RawQuery = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("devtools endpoint returned %d", resp.StatusCode)
	}
	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&version); err != nil {
		return "", err
	}
	if version.WebSocketDebuggerURL == "" {
		return "", errors.New("devtools endpoint reported no websocket url")
	}
	return version.WebSocketDebuggerURL, nil
}

// findPage resolves the sender's DevTools target, falling back to the first
// page whose document is visible.
func (c *Capturer) findPage(ctx context.Context, b *rod.Browser, sender steptrail.SenderContext) (*rod.Page, error) {
	if sender.TargetID != "" {
		page, err := b.PageFromTarget(proto.TargetTargetID(sender.TargetID))
		if err != nil {
			return nil, fmt.Errorf("attach target %s: %w", sender.TargetID, err)
		}
		return page, nil
	}
	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	for _, page := range pages {
		state, err := page.Context(ctx).Eval(`() => document.visibilityState`)
		if err != nil {
			continue
		}
		if state.Value.Str() == "visible" {
			return page, nil
		}
	}
	return nil, ErrNoVisiblePage
}

func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.dialing != nil {
		c.dialing.cancel()
	}
	var err error
	if c.browser != nil {
		err = c.browser.Close()
		c.browser = nil
	}
	if c.launched != nil {
		c.launched.Kill()
		c.launched = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return err
}
