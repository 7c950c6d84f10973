package minutes

// PreviousSession returns the most recently ended session of the same meeting
// that started before current, or nil. Ties on ended_at go to the later start.
func PreviousSession(sessions []Session, current Session) *Session {
	return latestEnded(sessions, func(s *Session) bool {
		return s.ID != current.ID &&
			s.MeetingID == current.MeetingID &&
			s.StartedAt.Before(current.StartedAt)
	})
}

func latestEnded(sessions []Session, keep func(*Session) bool) *Session {
	var best *Session
	for i := range sessions {
		s := &sessions[i]
		if s.EndedAt == nil || !keep(s) {
			continue
		}
		if best == nil || laterEnd(s, best) {
			best = s
		}
	}
	return best
}

func laterEnd(a, b *Session) bool {
	if !a.EndedAt.Equal(*b.EndedAt) {
		return a.EndedAt.After(*b.EndedAt)
	}
	return a.StartedAt.After(b.StartedAt)
}

// OpenSession returns the session with no end time, or nil.
func OpenSession(sessions []Session) *Session {
	for i := range sessions {
		if sessions[i].EndedAt == nil {
			return &sessions[i]
		}
	}
	return nil
}
