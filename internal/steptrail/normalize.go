package steptrail

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	minAnnotationFraction = 0.01
	defaultMaxAttempts    = 3
)

// Normalize upgrades a loaded store to the current schema in place and
// reports whether a migration ran. A store already at the current version
// only gets nil collections filled in.
func Normalize(s *State, now time.Time) bool {
	ensureCollections(s)
	if s.SchemaVersion == CurrentSchemaVersion && !s.repaired {
		return false
	}
	from := s.SchemaVersion
	s.repaired = false

	sessions := make([]Session, 0, len(s.Sessions))
	known := map[string]struct{}{}
	for _, session := range s.Sessions {
		session.ID = strings.TrimSpace(session.ID)
		if session.ID == "" {
			continue
		}
		if _, dup := known[session.ID]; dup {
			continue
		}
		known[session.ID] = struct{}{}
		sessions = append(sessions, coerceSession(session, now))
	}
	s.Sessions = sessions

	steps := make([]Step, 0, len(s.Steps))
	stepIDs := map[string]struct{}{}
	for _, step := range s.Steps {
		if _, ok := known[step.SessionID]; !ok {
			continue
		}
		step = coerceStep(step, now)
		if _, dup := stepIDs[step.ID]; dup {
			step.ID = newID()
		}
		stepIDs[step.ID] = struct{}{}
		steps = append(steps, step)
	}
	s.Steps = steps
	for _, session := range s.Sessions {
		s.reindexSession(session.ID)
	}

	for tab, id := range s.TabToSession {
		if _, ok := known[id]; !ok {
			delete(s.TabToSession, tab)
		}
	}

	queue := make([]SyncQueueItem, 0, len(s.SyncQueue))
	queued := map[string]struct{}{}
	for _, item := range s.SyncQueue {
		if _, ok := known[item.SessionID]; !ok {
			continue
		}
		if _, dup := queued[item.SessionID]; dup {
			continue
		}
		queued[item.SessionID] = struct{}{}
		queue = append(queue, coerceQueueItem(item, now))
	}
	s.SyncQueue = queue

	for i := range s.EventLog {
		if s.EventLog[i].ID == "" {
			s.EventLog[i].ID = newID()
		}
		if s.EventLog[i].At.IsZero() {
			s.EventLog[i].At = now
		}
	}

	if s.CaptureState.IsCapturing && s.CaptureState.StartedAt == nil {
		started := now
		s.CaptureState.StartedAt = &started
	}
	s.SyncConfig.EndpointURL = strings.TrimSpace(s.SyncConfig.EndpointURL)
	s.SyncConfig.AllowedEmails = NormalizeEmails(s.SyncConfig.AllowedEmails)

	s.SchemaVersion = CurrentSchemaVersion
	appendLog(s, now, EventStoreMigrated, "", fmt.Sprintf("schema %d -> %d: %d sessions, %d steps", from, CurrentSchemaVersion, len(s.Sessions), len(s.Steps)))
	return true
}

func coerceSession(session Session, now time.Time) Session {
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.StartedAt
	}
	if !session.Sync.Status.Valid() {
		session.Sync.Status = SyncLocal
	}
	if session.Sync.Revision < 0 {
		session.Sync.Revision = 0
	}
	if session.StepsCount < 0 {
		session.StepsCount = 0
	}
	return session
}

func coerceStep(step Step, now time.Time) Step {
	if strings.TrimSpace(step.ID) == "" {
		step.ID = newID()
	}
	if !step.Type.Valid() {
		step.Type = StepClick
	}
	if step.At.IsZero() {
		step.At = now
	}
	step.Annotations = NormalizeAnnotations(step.Annotations)
	return step
}

func coerceQueueItem(item SyncQueueItem, now time.Time) SyncQueueItem {
	if strings.TrimSpace(item.ID) == "" {
		item.ID = newID()
	}
	if !item.Reason.Valid() {
		item.Reason = ReasonManual
	}
	if item.Attempt < 0 {
		item.Attempt = 0
	}
	if item.AuthAttempt < 0 {
		item.AuthAttempt = 0
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if item.NextRetryAt.IsZero() && item.Attempt < defaultMaxAttempts {
		item.NextRetryAt = now
	}
	return item
}

// NormalizeAnnotations clamps geometry to [0,1] and drops rectangles too
// small to be meaningful.
func NormalizeAnnotations(in []Annotation) []Annotation {
	out := make([]Annotation, 0, len(in))
	for _, a := range in {
		a.X = clampUnit(a.X)
		a.Y = clampUnit(a.Y)
		a.Width = clampUnit(a.Width)
		a.Height = clampUnit(a.Height)
		if a.Width < minAnnotationFraction || a.Height < minAnnotationFraction {
			continue
		}
		if strings.TrimSpace(a.ID) == "" {
			a.ID = newID()
		}
		a.Label = strings.TrimSpace(a.Label)
		out = append(out, a)
	}
	return out
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeEmails lowercases and trims the allow list, dropping blanks and
// duplicates. Order is kept.
func NormalizeEmails(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, email := range in {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}
