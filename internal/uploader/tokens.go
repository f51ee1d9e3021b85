package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

var ErrNoToken = errors.New("no token available")

// TokenSource yields a bearer token. With interactive=false a source must
// not prompt anyone; the client always tries that first.
type TokenSource interface {
	Token(ctx context.Context, interactive bool) (string, error)
}

// Evicter drops a cached credential after the server rejected it.
type Evicter interface {
	Evict()
}

type StaticToken string

func (s StaticToken) Token(ctx context.Context, interactive bool) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// FileToken reads the token from a file on every call, so an external
// refresher can rotate it.
type FileToken struct {
	Path string
}

func (f FileToken) Token(ctx context.Context, interactive bool) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// CommandToken runs a shell helper that prints the token on stdout. The
// helper sees STEPTRAIL_INTERACTIVE=1 and the terminal only in interactive
// mode.
type CommandToken struct {
	Command string
}

func (c CommandToken) Token(ctx context.Context, interactive bool) (string, error) {
	command := strings.TrimSpace(c.Command)
	if command == "" {
		return "", ErrNoToken
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Env = append(os.Environ(), "STEPTRAIL_INTERACTIVE=0")
	cmd.Stderr = &stderr
	if interactive {
		cmd.Env = append(os.Environ(), "STEPTRAIL_INTERACTIVE=1")
		cmd.Stdin = os.Stdin
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("token command: %w: %s", err, msg)
		}
		return "", fmt.Errorf("token command: %w", err)
	}
	token := strings.TrimSpace(stdout.String())
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// CachingTokenSource remembers the last token until Evict is called.
type CachingTokenSource struct {
	inner TokenSource

	mu     sync.Mutex
	cached string
}

func NewCachingTokenSource(inner TokenSource) *CachingTokenSource {
	return &CachingTokenSource{inner: inner}
}

func (c *CachingTokenSource) Token(ctx context.Context, interactive bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != "" {
		return c.cached, nil
	}
	if c.inner == nil {
		return "", ErrNoToken
	}
	token, err := c.inner.Token(ctx, interactive)
	if err != nil {
		return "", err
	}
	c.cached = token
	return token, nil
}

func (c *CachingTokenSource) Evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = ""
}
