package steptrail

const (
	DefaultMaxSessions = 20
	DefaultMaxSteps    = 500
	DefaultMaxEventLog = 100
)

type RetentionLimits struct {
	MaxSessions int
	MaxSteps    int
	MaxEventLog int
}

func (l RetentionLimits) withDefaults() RetentionLimits {
	if l.MaxSessions <= 0 {
		l.MaxSessions = DefaultMaxSessions
	}
	if l.MaxSteps <= 0 {
		l.MaxSteps = DefaultMaxSteps
	}
	if l.MaxEventLog <= 0 {
		l.MaxEventLog = DefaultMaxEventLog
	}
	return l
}

// applyRetention evicts the oldest sessions, steps and audit entries beyond
// their caps. Evicted sessions take their steps, tab mapping and queue item
// with them; sessions that lose their oldest steps are renumbered.
func applyRetention(s *State, limits RetentionLimits) {
	if over := len(s.Sessions) - limits.MaxSessions; limits.MaxSessions > 0 && over > 0 {
		evicted := map[string]struct{}{}
		for _, session := range s.Sessions[:over] {
			evicted[session.ID] = struct{}{}
			s.forgetSession(session.ID)
		}
		s.Sessions = append([]Session(nil), s.Sessions[over:]...)
		kept := make([]Step, 0, len(s.Steps))
		for _, step := range s.Steps {
			if _, gone := evicted[step.SessionID]; !gone {
				kept = append(kept, step)
			}
		}
		s.Steps = kept
	}

	if over := len(s.Steps) - limits.MaxSteps; limits.MaxSteps > 0 && over > 0 {
		touched := map[string]struct{}{}
		for _, step := range s.Steps[:over] {
			touched[step.SessionID] = struct{}{}
		}
		s.Steps = append([]Step(nil), s.Steps[over:]...)
		for sessionID := range touched {
			s.reindexSession(sessionID)
		}
	}

	if over := len(s.EventLog) - limits.MaxEventLog; limits.MaxEventLog > 0 && over > 0 {
		s.EventLog = append([]EventLogEntry(nil), s.EventLog[over:]...)
	}
}
