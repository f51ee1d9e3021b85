package steptrail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type uploadCall struct {
	session Session
	steps   []Step
	config  SyncConfig
}

// scriptedUploader returns the queued errors in order, then succeeds.
type scriptedUploader struct {
	mu       sync.Mutex
	outcomes []error
	calls    []uploadCall
	block    chan struct{}
}

func (u *scriptedUploader) Upload(ctx context.Context, cfg SyncConfig, session Session, steps []Step) (UploadReceipt, error) {
	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return UploadReceipt{}, ctx.Err()
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, uploadCall{session: session, steps: steps, config: cfg})
	if len(u.outcomes) > 0 {
		err := u.outcomes[0]
		u.outcomes = u.outcomes[1:]
		if err != nil {
			return UploadReceipt{}, err
		}
	}
	return UploadReceipt{
		Revision:   session.Sync.Revision + 1,
		UploadedAt: time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
		FileID:     "file-" + session.ID,
	}, nil
}

func (u *scriptedUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

type staticThumbnails struct {
	dataURL string
	calls   int
	mu      sync.Mutex
}

func (s *staticThumbnails) Thumbnail(ctx context.Context, stepType StepType, sender SenderContext) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.dataURL == "" {
		return "", false
	}
	return s.dataURL, true
}

// flakyBackend fails saves while failSave is set.
type flakyBackend struct {
	inner    *InMemoryStateBackend
	mu       sync.Mutex
	failSave bool
	saves    int
}

var errDiskFull = errors.New("disk full")

func (b *flakyBackend) Load() (*State, error) {
	return b.inner.Load()
}

func (b *flakyBackend) Save(state *State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSave {
		return errDiskFull
	}
	b.saves++
	return b.inner.Save(state)
}

func (b *flakyBackend) setFailing(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSave = v
}

type testLogger struct {
	t *testing.T
}

func (l testLogger) Printf(format string, args ...any) {
	l.t.Helper()
	l.t.Logf(format, args...)
}

func newTestEngine(t *testing.T, clock *fakeClock, opts EngineOptions) *Engine {
	t.Helper()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	if opts.Jitter == nil {
		opts.Jitter = func() time.Duration { return 0 }
	}
	if opts.Logger == nil {
		opts.Logger = testLogger{t: t}
	}
	opts.DisableTimer = true
	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func clickAt(at time.Time, targetID string) ClickEvent {
	return ClickEvent{EventBase: EventBase{
		Href:   "https://example.test/form",
		Title:  "Form",
		At:     at,
		Target: &Target{Tag: "button", ID: targetID},
	}}
}

func inputAt(at time.Time, targetID, value string) InputEvent {
	return InputEvent{
		EventBase: EventBase{
			Href:   "https://example.test/form",
			Title:  "Form",
			At:     at,
			Target: &Target{Tag: "input", ID: targetID},
		},
		Value:     value,
		InputType: "text",
	}
}

func mustSnapshot(t *testing.T, engine *Engine) *State {
	t.Helper()
	state, err := engine.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return state
}

func enableSync(t *testing.T, engine *Engine) {
	t.Helper()
	_, err := engine.SetSyncConfig(context.Background(), SyncConfig{
		Enabled:     true,
		EndpointURL: "https://sync.example.test/exec",
	})
	if err != nil {
		t.Fatalf("set sync config: %v", err)
	}
}
