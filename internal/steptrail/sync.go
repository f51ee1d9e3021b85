package steptrail

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Enqueue queues a session for upload. A session already queued keeps its
// single queue item, which is reset to attempt zero and due now. When sync
// is disabled or has no endpoint the session is blocked instead.
func (e *Engine) Enqueue(ctx context.Context, sessionID string, reason SyncReason) (SyncState, error) {
	if !reason.Valid() {
		reason = ReasonManual
	}
	var status SyncState
	err := e.update(ctx, func(s *State) error {
		idx := s.sessionIndex(sessionID)
		if idx < 0 {
			return ErrNotFound
		}
		status = e.enqueueLocked(s, idx, reason, e.now())
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (e *Engine) enqueueLocked(s *State, idx int, reason SyncReason, now time.Time) SyncState {
	session := &s.Sessions[idx]
	if code, blocked := configBlocker(s.SyncConfig); blocked {
		blockSession(s, idx, code, now)
		return SyncBlocked
	}
	if qi := s.queueIndex(session.ID); qi >= 0 {
		item := &s.SyncQueue[qi]
		item.Reason = reason
		item.Attempt = 0
		item.AuthAttempt = 0
		item.NextRetryAt = now
		item.LastErrorCode = ""
		item.UpdatedAt = now
	} else {
		s.SyncQueue = append(s.SyncQueue, SyncQueueItem{
			ID:          newID(),
			SessionID:   session.ID,
			Reason:      reason,
			NextRetryAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	session.Sync.Status = SyncPending
	session.Sync.ErrorCode = ""
	appendLog(s, now, EventSyncEnqueued, session.ID, "reason="+string(reason))
	return SyncPending
}

func configBlocker(cfg SyncConfig) (ErrorCode, bool) {
	if !cfg.Enabled {
		return CodeSyncDisabled, true
	}
	if strings.TrimSpace(cfg.EndpointURL) == "" {
		return CodeSyncEndpointMissing, true
	}
	return "", false
}

// blockSession marks a session blocked and drops its queue item; blocked
// sessions are never retried until enqueued again.
func blockSession(s *State, idx int, code ErrorCode, now time.Time) {
	session := &s.Sessions[idx]
	session.Sync.Status = SyncBlocked
	session.Sync.ErrorCode = code
	s.removeQueueItem(session.ID)
	appendLog(s, now, EventSyncBlocked, session.ID, string(code))
}

// SyncNow queues one session, or every unsynced session with steps when
// sessionID is empty, then drains the due queue before returning. The
// result maps each requested session to its status afterwards.
func (e *Engine) SyncNow(ctx context.Context, sessionID string) (map[string]SyncState, error) {
	sessionID = strings.TrimSpace(sessionID)
	var requested []string
	err := e.update(ctx, func(s *State) error {
		now := e.now()
		if sessionID != "" {
			idx := s.sessionIndex(sessionID)
			if idx < 0 {
				return ErrNotFound
			}
			requested = append(requested, sessionID)
			e.enqueueLocked(s, idx, ReasonManualID, now)
			return nil
		}
		for i := range s.Sessions {
			session := s.Sessions[i]
			if session.StepsCount == 0 || session.Sync.Status == SyncSynced {
				continue
			}
			requested = append(requested, session.ID)
			e.enqueueLocked(s, i, ReasonManual, now)
		}
		if len(requested) == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.drain(ctx, true); err != nil {
		return nil, err
	}

	out := make(map[string]SyncState, len(requested))
	err = e.view(ctx, func(s *State) {
		for _, id := range requested {
			if idx := s.sessionIndex(id); idx >= 0 {
				out[id] = s.Sessions[idx].Sync.Status
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetSyncConfig replaces the sync configuration. Turning sync off or
// clearing the endpoint blocks every queued, pending, failed or synced
// session; local ones stay local.
func (e *Engine) SetSyncConfig(ctx context.Context, cfg SyncConfig) (SyncConfig, error) {
	cfg.EndpointURL = strings.TrimSpace(cfg.EndpointURL)
	if cfg.EndpointURL != "" {
		parsed, err := url.Parse(cfg.EndpointURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return SyncConfig{}, fmt.Errorf("%w: endpoint must be an absolute http(s) url", ErrInvalidInput)
		}
	}
	cfg.AllowedEmails = NormalizeEmails(cfg.AllowedEmails)

	err := e.update(ctx, func(s *State) error {
		now := e.now()
		s.SyncConfig = cfg
		appendLog(s, now, EventConfigUpdated, "", fmt.Sprintf("enabled=%t endpoint=%t allowList=%d", cfg.Enabled, cfg.EndpointURL != "", len(cfg.AllowedEmails)))
		code, blocked := configBlocker(cfg)
		if !blocked {
			return nil
		}
		for i := range s.Sessions {
			switch {
			case s.queueIndex(s.Sessions[i].ID) >= 0,
				s.Sessions[i].Sync.Status == SyncPending,
				s.Sessions[i].Sync.Status == SyncFailed,
				s.Sessions[i].Sync.Status == SyncSynced:
				blockSession(s, i, code, now)
			}
		}
		return nil
	})
	if err != nil {
		return SyncConfig{}, err
	}
	return cfg, nil
}

func (e *Engine) SyncConfig(ctx context.Context) (SyncConfig, error) {
	var cfg SyncConfig
	err := e.view(ctx, func(s *State) {
		cfg = s.SyncConfig
		cfg.AllowedEmails = append([]string{}, s.SyncConfig.AllowedEmails...)
	})
	return cfg, err
}

func (e *Engine) SyncOverview(ctx context.Context) (SyncOverview, error) {
	var overview SyncOverview
	err := e.view(ctx, func(s *State) {
		overview.Config = s.SyncConfig
		overview.Config.AllowedEmails = append([]string{}, s.SyncConfig.AllowedEmails...)
		overview.State = s.SyncState
		overview.Queue = append([]SyncQueueItem{}, s.SyncQueue...)
	})
	return overview, err
}

// RunDueSyncs uploads every queue item that is due. A call arriving while
// another drain is running returns at once; the running drain picks up its
// request before it finishes.
func (e *Engine) RunDueSyncs(ctx context.Context) (int, error) {
	return e.drain(ctx, false)
}

func (e *Engine) drain(ctx context.Context, wait bool) (int, error) {
	e.wakeRequested.Store(true)
	if wait {
		e.drainMu.Lock()
	} else if !e.drainMu.TryLock() {
		return 0, nil
	}
	total := 0
	for {
		e.wakeRequested.Store(false)
		n, err := e.drainDue(ctx)
		total += n
		e.drainMu.Unlock()
		if err != nil {
			return total, err
		}
		if !e.wakeRequested.Load() || !e.drainMu.TryLock() {
			return total, nil
		}
	}
}

// drainDue processes due items oldest-due-first, each at most once per pass.
func (e *Engine) drainDue(ctx context.Context) (int, error) {
	seen := map[string]struct{}{}
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		item, ok, err := e.nextDue(ctx, seen)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		seen[item.SessionID] = struct{}{}
		if err := e.syncItem(ctx, item); err != nil {
			return processed, err
		}
		processed++
	}
}

func (e *Engine) nextDue(ctx context.Context, seen map[string]struct{}) (SyncQueueItem, bool, error) {
	var (
		next  SyncQueueItem
		found bool
	)
	err := e.view(ctx, func(s *State) {
		now := e.now()
		for _, item := range s.SyncQueue {
			if item.Parked() || item.NextRetryAt.After(now) {
				continue
			}
			if _, done := seen[item.SessionID]; done {
				continue
			}
			if !found || item.NextRetryAt.Before(next.NextRetryAt) ||
				(item.NextRetryAt.Equal(next.NextRetryAt) && item.CreatedAt.Before(next.CreatedAt)) {
				next = item
				found = true
			}
		}
	})
	return next, found, err
}

type uploadJob struct {
	session Session
	steps   []Step
	config  SyncConfig
}

// syncItem snapshots the session, uploads it outside the actor and then
// commits the outcome. An item removed or replaced during the upload
// discards the outcome.
func (e *Engine) syncItem(ctx context.Context, item SyncQueueItem) error {
	var (
		job   uploadJob
		alive bool
	)
	err := e.view(ctx, func(s *State) {
		qi := s.queueIndex(item.SessionID)
		idx := s.sessionIndex(item.SessionID)
		if qi < 0 || idx < 0 || s.SyncQueue[qi].ID != item.ID {
			return
		}
		alive = true
		job = uploadJob{
			session: s.Sessions[idx],
			steps:   s.stepsOf(item.SessionID),
			config:  s.SyncConfig,
		}
		job.config.AllowedEmails = append([]string{}, s.SyncConfig.AllowedEmails...)
	})
	if err != nil || !alive {
		return err
	}

	receipt, uploadErr := e.upload(ctx, job)
	if uploadErr != nil {
		e.logf("sync: upload session %s attempt %d failed: %v", item.SessionID, item.Attempt+1, uploadErr)
	}
	return e.update(ctx, func(s *State) error {
		return e.applyOutcome(s, item, job.session, receipt, uploadErr)
	})
}

func (e *Engine) upload(ctx context.Context, job uploadJob) (UploadReceipt, error) {
	if code, blocked := configBlocker(job.config); blocked {
		return UploadReceipt{}, &SyncError{Code: code}
	}
	if e.uploader == nil {
		return UploadReceipt{}, &SyncError{Code: CodeSyncDisabled, Message: "no uploader configured"}
	}
	uploadCtx, cancel := context.WithTimeout(ctx, e.uploadTimeout)
	defer cancel()
	receipt, err := e.uploader.Upload(uploadCtx, job.config, job.session, job.steps)
	return receipt, timeoutError(uploadCtx, err)
}

func (e *Engine) applyOutcome(s *State, item SyncQueueItem, uploaded Session, receipt UploadReceipt, uploadErr error) error {
	qi := s.queueIndex(item.SessionID)
	idx := s.sessionIndex(item.SessionID)
	if qi < 0 || idx < 0 || s.SyncQueue[qi].ID != item.ID {
		return errNoChange
	}
	now := e.now()
	s.SyncState.LastRunAt = &now
	session := &s.Sessions[idx]
	queued := &s.SyncQueue[qi]
	queued.UpdatedAt = now

	if uploadErr == nil {
		revision := receipt.Revision
		if revision <= uploaded.Sync.Revision {
			revision = uploaded.Sync.Revision + 1
		}
		uploadedAt := receipt.UploadedAt.UTC()
		if receipt.UploadedAt.IsZero() {
			uploadedAt = now
		}
		session.Sync.Revision = revision
		session.Sync.LastSyncedAt = &uploadedAt
		session.Sync.ErrorCode = ""
		s.SyncState.SuccessCount++
		s.SyncState.QuotaWarning = false
		s.SyncState.LastErrorCode = ""
		appendLog(s, now, EventSyncSucceeded, session.ID, fmt.Sprintf("revision=%d file=%s", revision, receipt.FileID))

		if session.StepsCount != uploaded.StepsCount || !session.UpdatedAt.Equal(uploaded.UpdatedAt) {
			// Steps changed while the upload was in flight.
			session.Sync.Status = SyncPending
			queued.Attempt = 0
			queued.AuthAttempt = 0
			queued.LastErrorCode = ""
			queued.NextRetryAt = now
			return nil
		}
		session.Sync.Status = SyncSynced
		s.removeQueueItem(session.ID)
		return nil
	}

	code := ErrorCodeOf(uploadErr)
	s.SyncState.FailureCount++
	s.SyncState.LastErrorCode = code
	if code == CodeQuotaExceeded {
		s.SyncState.QuotaWarning = true
	}
	session.Sync.ErrorCode = code
	queued.LastErrorCode = code

	switch classify(code) {
	case classTerminal:
		blockSession(s, idx, code, now)
	case classAuth:
		queued.AuthAttempt++
		if queued.AuthAttempt >= e.maxAuthAttempts {
			blockSession(s, idx, code, now)
			return nil
		}
		queued.NextRetryAt = now
		session.Sync.Status = SyncPending
		appendLog(s, now, EventSyncRetry, session.ID, fmt.Sprintf("%s auth attempt %d", code, queued.AuthAttempt))
	default:
		queued.Attempt++
		if queued.Attempt >= e.maxAttempts {
			queued.NextRetryAt = time.Time{}
			session.Sync.Status = SyncFailed
			appendLog(s, now, EventSyncFailed, session.ID, fmt.Sprintf("%s after %d attempts", code, queued.Attempt))
			return nil
		}
		queued.NextRetryAt = now.Add(e.backoff.Delay(queued.Attempt, e.jitter()))
		session.Sync.Status = SyncPending
		appendLog(s, now, EventSyncRetry, session.ID, fmt.Sprintf("%s attempt %d next=%s", code, queued.Attempt, queued.NextRetryAt.Format(time.RFC3339)))
	}
	return nil
}
