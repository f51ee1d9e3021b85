package steptrail

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

// ThumbnailSource produces a compressed snapshot of the sender's tab, or
// reports false when none should or could be taken.
type ThumbnailSource interface {
	Thumbnail(ctx context.Context, stepType StepType, sender SenderContext) (string, bool)
}

// Uploader writes one session to the remote endpoint. A non-nil error
// should be a *SyncError; anything else counts as NETWORK_ERROR.
type Uploader interface {
	Upload(ctx context.Context, cfg SyncConfig, session Session, steps []Step) (UploadReceipt, error)
}

type EngineOptions struct {
	Backend         StateBackend
	Thumbnails      ThumbnailSource
	Uploader        Uploader
	Logger          Logger
	Now             func() time.Time
	Jitter          func() time.Duration
	Backoff         Backoff
	Retention       RetentionLimits
	DedupWindow     time.Duration
	UploadTimeout   time.Duration
	MaxAttempts     int
	MaxAuthAttempts int
	// DisableTimer leaves draining to explicit RunDueSyncs calls.
	DisableTimer bool
}

type Engine struct {
	repo            *Repository
	thumbnails      ThumbnailSource
	uploader        Uploader
	logger          Logger
	now             func() time.Time
	jitter          func() time.Duration
	backoff         Backoff
	retention       RetentionLimits
	dedupWindow     time.Duration
	uploadTimeout   time.Duration
	maxAttempts     int
	maxAuthAttempts int
	disableTimer    bool

	mutations chan mutation
	// state is owned by the actor goroutine.
	state *State

	timerMu  sync.Mutex
	timer    *time.Timer
	nextWake time.Time

	drainMu       sync.Mutex
	wakeRequested atomic.Bool

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type mutation struct {
	apply    func(*State) error
	readOnly bool
	done     chan error
}

// NewEngine starts the store actor and loads (and if needed migrates) the
// persisted store. Queue items left from a previous run re-arm the timer.
func NewEngine(opts EngineOptions) (*Engine, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	backoff := opts.Backoff.withDefaults()
	jitter := opts.Jitter
	if jitter == nil {
		jitter = backoff.RandomJitter
	}
	dedupWindow := opts.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = 800 * time.Millisecond
	}
	uploadTimeout := opts.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 30 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	maxAuthAttempts := opts.MaxAuthAttempts
	if maxAuthAttempts <= 0 {
		maxAuthAttempts = 3
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())

	e := &Engine{
		repo:            NewRepository(opts.Backend, opts.Logger, func() time.Time { return now().UTC() }),
		thumbnails:      opts.Thumbnails,
		uploader:        opts.Uploader,
		logger:          opts.Logger,
		now:             func() time.Time { return now().UTC() },
		jitter:          jitter,
		backoff:         backoff,
		retention:       opts.Retention.withDefaults(),
		dedupWindow:     dedupWindow,
		uploadTimeout:   uploadTimeout,
		maxAttempts:     maxAttempts,
		maxAuthAttempts: maxAuthAttempts,
		disableTimer:    opts.DisableTimer,
		mutations:       make(chan mutation),
		bgCtx:           bgCtx,
		bgCancel:        bgCancel,
		closed:          make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()

	if err := e.view(context.Background(), func(*State) {}); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.bgCancel()
		e.timerMu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.timerMu.Unlock()
		e.wg.Wait()
		if err := e.repo.Close(); err != nil {
			e.logf("store: close backend: %v", err)
		}
	})
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case m := <-e.mutations:
			m.done <- e.apply(m)
		case <-e.closed:
			return
		}
	}
}

// apply runs on the actor goroutine. Writers see a clone; the clone only
// replaces the committed state once it has been saved.
func (e *Engine) apply(m mutation) error {
	if e.state == nil {
		loaded, err := e.repo.Load()
		if err != nil {
			return err
		}
		e.state = loaded
		e.armTimer(e.state)
	}
	if m.readOnly {
		return m.apply(e.state)
	}
	draft := e.state.Clone()
	if err := m.apply(draft); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	applyRetention(draft, e.retention)
	if err := e.repo.Save(draft); err != nil {
		return err
	}
	e.state = draft
	e.armTimer(draft)
	return nil
}

func (e *Engine) submit(ctx context.Context, m mutation) error {
	select {
	case e.mutations <- m:
	case <-e.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-m.done
}

func (e *Engine) update(ctx context.Context, fn func(*State) error) error {
	return e.submit(ctx, mutation{apply: fn, done: make(chan error, 1)})
}

// view hands fn the committed state; fn must copy what it keeps.
func (e *Engine) view(ctx context.Context, fn func(*State)) error {
	return e.submit(ctx, mutation{
		apply: func(s *State) error {
			fn(s)
			return nil
		},
		readOnly: true,
		done:     make(chan error, 1),
	})
}

func (e *Engine) armTimer(s *State) {
	next, ok := earliestRetry(s.SyncQueue)
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if !ok {
		e.nextWake = time.Time{}
		return
	}
	e.nextWake = next
	if e.disableTimer || e.isClosed() {
		return
	}
	delay := next.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, e.wake)
}

// NextWake reports when the sync timer is due, if any item is waiting.
func (e *Engine) NextWake() (time.Time, bool) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return e.nextWake, !e.nextWake.IsZero()
}

func (e *Engine) wake() {
	if e.isClosed() {
		return
	}
	if _, err := e.RunDueSyncs(e.bgCtx); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
		e.logf("sync: drain failed: %v", err)
	}
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func earliestRetry(queue []SyncQueueItem) (time.Time, bool) {
	var next time.Time
	for _, item := range queue {
		if item.Parked() {
			continue
		}
		if next.IsZero() || item.NextRetryAt.Before(next) {
			next = item.NextRetryAt
		}
	}
	return next, !next.IsZero()
}
