package steptrail

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const CurrentSchemaVersion = 2

func NewState() *State {
	s := &State{SchemaVersion: CurrentSchemaVersion}
	ensureCollections(s)
	return s
}

func ensureCollections(s *State) {
	if s.Sessions == nil {
		s.Sessions = []Session{}
	}
	if s.Steps == nil {
		s.Steps = []Step{}
	}
	if s.TabToSession == nil {
		s.TabToSession = map[int]string{}
	}
	if s.EventLog == nil {
		s.EventLog = []EventLogEntry{}
	}
	if s.SyncQueue == nil {
		s.SyncQueue = []SyncQueueItem{}
	}
	if s.SyncConfig.AllowedEmails == nil {
		s.SyncConfig.AllowedEmails = []string{}
	}
}

// Clone copies every collection the engine mutates. Nested step payloads
// (target, selectors, pointers) are replaced wholesale, never edited in
// place, so they are shared.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Sessions = append([]Session(nil), s.Sessions...)
	out.Steps = make([]Step, len(s.Steps))
	for i, step := range s.Steps {
		step.Annotations = append([]Annotation(nil), step.Annotations...)
		out.Steps[i] = step
	}
	out.TabToSession = make(map[int]string, len(s.TabToSession))
	for tab, id := range s.TabToSession {
		out.TabToSession[tab] = id
	}
	out.EventLog = append([]EventLogEntry(nil), s.EventLog...)
	out.SyncQueue = append([]SyncQueueItem(nil), s.SyncQueue...)
	out.SyncConfig.AllowedEmails = append([]string(nil), s.SyncConfig.AllowedEmails...)
	ensureCollections(&out)
	return &out
}

func (s *State) sessionIndex(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.Sessions {
		if s.Sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) stepPosition(id string) int {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) queueIndex(sessionID string) int {
	for i := range s.SyncQueue {
		if s.SyncQueue[i].SessionID == sessionID {
			return i
		}
	}
	return -1
}

func (s *State) removeQueueItem(sessionID string) bool {
	idx := s.queueIndex(sessionID)
	if idx < 0 {
		return false
	}
	s.SyncQueue = append(s.SyncQueue[:idx], s.SyncQueue[idx+1:]...)
	return true
}

// lastStepOf returns the position of the most recent step of a session.
func (s *State) lastStepOf(sessionID string) int {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].SessionID == sessionID {
			return i
		}
	}
	return -1
}

func (s *State) stepsOf(sessionID string) []Step {
	out := []Step{}
	for _, step := range s.Steps {
		if step.SessionID == sessionID {
			out = append(out, step)
		}
	}
	return out
}

// reindexSession renumbers a session's steps to 1..N in stored order and
// recomputes the aggregates derived from them.
func (s *State) reindexSession(sessionID string) {
	idx := s.sessionIndex(sessionID)
	n := 0
	last := -1
	for i := range s.Steps {
		if s.Steps[i].SessionID != sessionID {
			continue
		}
		n++
		s.Steps[i].StepIndex = n
		last = i
	}
	if idx < 0 {
		return
	}
	session := &s.Sessions[idx]
	session.StepsCount = n
	if last < 0 {
		session.LastURL = session.StartURL
		session.LastTitle = session.StartTitle
		session.UpdatedAt = session.StartedAt
		return
	}
	session.LastURL = s.Steps[last].URL
	session.LastTitle = s.Steps[last].Title
	session.UpdatedAt = s.Steps[last].At
}

func (s *State) forgetSession(sessionID string) {
	for tab, id := range s.TabToSession {
		if id == sessionID {
			delete(s.TabToSession, tab)
		}
	}
	s.removeQueueItem(sessionID)
}

func appendLog(s *State, at time.Time, eventType, sessionID, detail string) {
	s.EventLog = append(s.EventLog, EventLogEntry{
		ID:        newID(),
		Type:      eventType,
		At:        at,
		SessionID: sessionID,
		Detail:    detail,
	})
}

func newID() string {
	return ulid.Make().String()
}

func newSessionID() string {
	return uuid.NewString()
}
