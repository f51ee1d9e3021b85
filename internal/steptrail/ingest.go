package steptrail

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	reasonNotCapturing = "not-capturing"
	reasonDuplicate    = "duplicate"
	reasonEmptyEvent   = "empty-event"
)

// Ingest records one capture event. Duplicates and events arriving while
// capture is off are reported, not stored. The only error is a failure of
// the state backend, in which case nothing changes.
func (e *Engine) Ingest(ctx context.Context, ev Event, sender SenderContext) (IngestResult, error) {
	if ev == nil {
		return IngestResult{Reason: reasonEmptyEvent}, nil
	}
	candidate := newStep(ev, e.now())
	signature := Signature(candidate)

	var precheck IngestResult
	if err := e.view(ctx, func(s *State) {
		precheck = e.screen(s, sender.TabID, candidate, signature)
	}); err != nil {
		return IngestResult{}, err
	}
	if precheck.Reason != "" {
		return precheck, nil
	}

	// Capture happens outside the actor; it may block for the capture timeout.
	if e.thumbnails != nil {
		if dataURL, ok := e.thumbnails.Thumbnail(ctx, candidate.Type, sender); ok {
			candidate.ThumbnailDataURL = dataURL
		}
	}

	var result IngestResult
	err := e.update(ctx, func(s *State) error {
		result = e.screen(s, sender.TabID, candidate, signature)
		if result.Reason != "" {
			return errNoChange
		}
		result = e.commitStep(s, sender, candidate)
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	return result, nil
}

// screen rejects events while capture is off and near-duplicates of any
// step of the session still inside the dedup window.
func (e *Engine) screen(s *State, tabID int, candidate Step, signature string) IngestResult {
	if !s.CaptureState.IsCapturing {
		return IngestResult{Reason: reasonNotCapturing}
	}
	sessionID, ok := s.TabToSession[tabID]
	if !ok || s.sessionIndex(sessionID) < 0 {
		return IngestResult{}
	}
	for i := len(s.Steps) - 1; i >= 0; i-- {
		previous := s.Steps[i]
		if previous.SessionID != sessionID {
			continue
		}
		delta := candidate.At.Sub(previous.At)
		if delta < 0 {
			delta = -delta
		}
		if delta >= e.dedupWindow || Signature(previous) != signature {
			continue
		}
		return IngestResult{
			Duplicate: true,
			Reason:    reasonDuplicate,
			SessionID: sessionID,
			StepID:    previous.ID,
			StepIndex: previous.StepIndex,
		}
	}
	return IngestResult{}
}

func (e *Engine) commitStep(s *State, sender SenderContext, step Step) IngestResult {
	sessionID, ok := s.TabToSession[sender.TabID]
	idx := s.sessionIndex(sessionID)
	if !ok || idx < 0 {
		session := Session{
			ID:         newSessionID(),
			TabID:      sender.TabID,
			StartURL:   step.URL,
			StartTitle: step.Title,
			LastURL:    step.URL,
			LastTitle:  step.Title,
			StartedAt:  step.At,
			UpdatedAt:  step.At,
			Sync:       SyncStatus{Status: SyncLocal},
		}
		s.Sessions = append(s.Sessions, session)
		s.TabToSession[sender.TabID] = session.ID
		idx = len(s.Sessions) - 1
		sessionID = session.ID
		appendLog(s, step.At, EventSessionCreated, session.ID, fmt.Sprintf("tab=%d url=%s", sender.TabID, step.URL))
		e.logf("ingest: session %s created for tab %d", session.ID, sender.TabID)
	}
	session := &s.Sessions[idx]

	step.ID = newID()
	step.SessionID = sessionID
	step.StepIndex = session.StepsCount + 1
	s.Steps = append(s.Steps, step)

	session.StepsCount++
	session.UpdatedAt = step.At
	session.LastURL = step.URL
	session.LastTitle = step.Title
	if s.SyncConfig.Enabled {
		session.Sync.Status = SyncPending
		session.Sync.ErrorCode = ""
	}
	return IngestResult{
		Accepted:  true,
		SessionID: sessionID,
		StepID:    step.ID,
		StepIndex: step.StepIndex,
		Thumbnail: step.ThumbnailDataURL != "",
	}
}

// DiscardLastStep removes the newest step of a session. With no session id
// the tab's current session is used, then the most recently updated one.
func (e *Engine) DiscardLastStep(ctx context.Context, sessionID string, tabID int) (DiscardResult, error) {
	var result DiscardResult
	err := e.update(ctx, func(s *State) error {
		id := resolveSessionID(s, strings.TrimSpace(sessionID), tabID)
		idx := s.sessionIndex(id)
		if idx < 0 {
			return errNoChange
		}
		result.SessionID = id
		last := s.lastStepOf(id)
		if last < 0 {
			result.StepsCount = s.Sessions[idx].StepsCount
			return errNoChange
		}
		result.StepID = s.Steps[last].ID
		s.Steps = append(s.Steps[:last], s.Steps[last+1:]...)
		s.reindexSession(id)

		session := &s.Sessions[idx]
		session.Sync.Status = SyncLocal
		session.Sync.ErrorCode = ""
		s.removeQueueItem(id)
		result.Discarded = true
		result.StepsCount = session.StepsCount
		appendLog(s, e.now(), EventStepDiscarded, id, "step="+result.StepID)
		return nil
	})
	if err != nil {
		return DiscardResult{}, err
	}
	return result, nil
}

func resolveSessionID(s *State, sessionID string, tabID int) string {
	if sessionID != "" {
		return sessionID
	}
	if id, ok := s.TabToSession[tabID]; ok {
		return id
	}
	latest := ""
	var latestAt time.Time
	for _, session := range s.Sessions {
		if latest == "" || session.UpdatedAt.After(latestAt) {
			latest = session.ID
			latestAt = session.UpdatedAt
		}
	}
	return latest
}

// StartCapture turns capture on. The tab's previous session mapping is
// dropped so the next event opens a fresh session.
func (e *Engine) StartCapture(ctx context.Context, tabID int) (CaptureStatus, error) {
	var status CaptureStatus
	err := e.update(ctx, func(s *State) error {
		now := e.now()
		if !s.CaptureState.IsCapturing {
			s.CaptureState.IsCapturing = true
			s.CaptureState.StartedAt = &now
		}
		s.CaptureState.TabID = tabID
		delete(s.TabToSession, tabID)
		appendLog(s, now, EventCaptureStarted, "", fmt.Sprintf("tab=%d", tabID))
		status = captureStatus(s, tabID)
		return nil
	})
	return status, err
}

// StopCapture turns capture off. In-flight thumbnails and uploads carry on;
// sessions from this run are queued when auto upload is configured.
func (e *Engine) StopCapture(ctx context.Context) (CaptureStatus, error) {
	var status CaptureStatus
	err := e.update(ctx, func(s *State) error {
		now := e.now()
		tabID := s.CaptureState.TabID
		status = captureStatus(s, tabID)
		sessionIDs := make([]string, 0, len(s.TabToSession))
		for _, id := range s.TabToSession {
			sessionIDs = append(sessionIDs, id)
		}
		sort.Strings(sessionIDs)
		if s.SyncConfig.Enabled && s.SyncConfig.AutoUploadOnStop {
			for _, id := range sessionIDs {
				idx := s.sessionIndex(id)
				if idx < 0 || s.Sessions[idx].StepsCount == 0 {
					continue
				}
				e.enqueueLocked(s, idx, ReasonAutoStop, now)
			}
		}
		s.CaptureState = CaptureState{}
		s.TabToSession = map[int]string{}
		appendLog(s, now, EventCaptureStopped, "", fmt.Sprintf("sessions=%d", len(sessionIDs)))
		status.IsCapturing = false
		return nil
	})
	return status, err
}

func (e *Engine) Status(ctx context.Context, tabID int) (CaptureStatus, error) {
	var status CaptureStatus
	err := e.view(ctx, func(s *State) {
		status = captureStatus(s, tabID)
	})
	return status, err
}

func captureStatus(s *State, tabID int) CaptureStatus {
	status := CaptureStatus{IsCapturing: s.CaptureState.IsCapturing}
	if s.CaptureState.StartedAt != nil {
		started := *s.CaptureState.StartedAt
		status.StartedAt = &started
	}
	if id, ok := s.TabToSession[tabID]; ok {
		if idx := s.sessionIndex(id); idx >= 0 {
			status.SessionID = id
			status.StepsCount = s.Sessions[idx].StepsCount
			status.SyncStatus = s.Sessions[idx].Sync.Status
		}
	}
	return status
}

func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	return e.update(ctx, func(s *State) error {
		idx := s.sessionIndex(sessionID)
		if idx < 0 {
			return ErrNotFound
		}
		s.Sessions = append(s.Sessions[:idx], s.Sessions[idx+1:]...)
		kept := make([]Step, 0, len(s.Steps))
		for _, step := range s.Steps {
			if step.SessionID != sessionID {
				kept = append(kept, step)
			}
		}
		s.Steps = kept
		s.forgetSession(sessionID)
		appendLog(s, e.now(), EventSessionDeleted, sessionID, "")
		return nil
	})
}

// UpdateAnnotations replaces a step's annotations after clamping them.
func (e *Engine) UpdateAnnotations(ctx context.Context, stepID string, annotations []Annotation) (Step, error) {
	var updated Step
	err := e.update(ctx, func(s *State) error {
		pos := s.stepPosition(stepID)
		if pos < 0 {
			return ErrNotFound
		}
		s.Steps[pos].Annotations = NormalizeAnnotations(annotations)
		updated = s.Steps[pos]
		return nil
	})
	return updated, err
}

// ListSessions returns sessions newest first.
func (e *Engine) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := e.view(ctx, func(s *State) {
		out = make([]Session, 0, len(s.Sessions))
		for i := len(s.Sessions) - 1; i >= 0; i-- {
			out = append(out, s.Sessions[i])
		}
	})
	return out, err
}

func (e *Engine) SessionDetail(ctx context.Context, sessionID string) (SessionDetail, error) {
	var detail SessionDetail
	found := false
	err := e.view(ctx, func(s *State) {
		idx := s.sessionIndex(sessionID)
		if idx < 0 {
			return
		}
		found = true
		detail = SessionDetail{Session: s.Sessions[idx], Steps: s.stepsOf(sessionID)}
	})
	if err != nil {
		return SessionDetail{}, err
	}
	if !found {
		return SessionDetail{}, ErrNotFound
	}
	return detail, nil
}

func (e *Engine) EventLog(ctx context.Context) ([]EventLogEntry, error) {
	var out []EventLogEntry
	err := e.view(ctx, func(s *State) {
		out = append([]EventLogEntry{}, s.EventLog...)
	})
	return out, err
}

// Snapshot returns a deep copy of the committed store.
func (e *Engine) Snapshot(ctx context.Context) (*State, error) {
	var out *State
	err := e.view(ctx, func(s *State) {
		out = s.Clone()
	})
	return out, err
}
