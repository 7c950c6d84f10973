// Package minutestest provides an in-memory minutes.Store for tests.
package minutestest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
)

// Store is a goroutine-safe in-memory minutes.Store. Err* fields inject
// failures into the matching method.
type Store struct {
	mu sync.Mutex

	Meetings    map[string]minutes.Meeting
	Attendees   map[string][]minutes.Attendee
	Agenda      map[string][]minutes.AgendaItem
	Sessions    map[string]minutes.Session
	Notes       map[string]map[string]string
	Recordings  map[string][]minutes.Recording
	Columns     []minutes.TaskColumn
	Tasks       []minutes.Task
	TaskEvents  []minutes.TaskEvent
	StatusTrail map[string][]minutes.AIStatus

	// NoteWrites counts upsert calls per (session, item).
	NoteWrites map[string]int

	ErrUpdateStatus error
	ErrInsertTasks  error
	ErrTouch        error
	ErrRecordEmail  error
}

var _ minutes.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		Meetings:    make(map[string]minutes.Meeting),
		Attendees:   make(map[string][]minutes.Attendee),
		Agenda:      make(map[string][]minutes.AgendaItem),
		Sessions:    make(map[string]minutes.Session),
		Notes:       make(map[string]map[string]string),
		Recordings:  make(map[string][]minutes.Recording),
		StatusTrail: make(map[string][]minutes.AIStatus),
		NoteWrites:  make(map[string]int),
	}
}

// AddMeeting seeds a meeting with attendees and agenda items.
func (s *Store) AddMeeting(m minutes.Meeting, attendees []minutes.Attendee, agenda []minutes.AgendaItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Meetings[m.ID] = m
	s.Attendees[m.ID] = attendees
	for i := range agenda {
		agenda[i].MeetingID = m.ID
	}
	s.Agenda[m.ID] = agenda
}

// PutSession seeds or replaces a session.
func (s *Store) PutSession(sess minutes.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sessions[sess.ID] = sess
}

// Session returns a copy of a stored session.
func (s *Store) Session(id string) minutes.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sessions[id]
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, merrors.ErrNotFound)
}

func (s *Store) GetMeeting(_ context.Context, id string) (*minutes.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Meetings[id]
	if !ok {
		return nil, notFound("meeting", id)
	}
	return &m, nil
}

func (s *Store) ListAttendees(_ context.Context, meetingID string) ([]minutes.Attendee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]minutes.Attendee(nil), s.Attendees[meetingID]...), nil
}

func (s *Store) ListAgendaItems(_ context.Context, meetingID string) ([]minutes.AgendaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := append([]minutes.AgendaItem(nil), s.Agenda[meetingID]...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*minutes.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return nil, notFound("session", id)
	}
	return &sess, nil
}

func (s *Store) ListSessions(_ context.Context, meetingID string) ([]minutes.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []minutes.Session
	for _, sess := range s.Sessions {
		if sess.MeetingID == meetingID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) CreateSession(_ context.Context, sess *minutes.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Sessions {
		if existing.MeetingID == sess.MeetingID && existing.EndedAt == nil {
			return fmt.Errorf("meeting %s already has an open session: %w", sess.MeetingID, merrors.ErrConflict)
		}
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.AIStatus == "" {
		sess.AIStatus = minutes.StatusReady
	}
	s.Sessions[sess.ID] = *sess
	return nil
}

func (s *Store) EndSession(_ context.Context, id string, endedAt time.Time) error {
	return s.mutate(id, func(sess *minutes.Session) error {
		if sess.EndedAt != nil {
			return fmt.Errorf("session %s already ended: %w", id, merrors.ErrConflict)
		}
		sess.EndedAt = &endedAt
		return nil
	})
}

func (s *Store) ClaimForProcessing(_ context.Context, id string, staleBefore time.Time) error {
	return s.mutate(id, func(sess *minutes.Session) error {
		if !minutes.CanClaim(sess.AIStatus, sess.ProcessingStartedAt, staleBefore) {
			return fmt.Errorf("session %s is %s: %w", id, sess.AIStatus, merrors.ErrConflict)
		}
		now := time.Now().UTC()
		sess.AIStatus = minutes.StatusProcessing
		sess.AIError = ""
		sess.ProcessingStartedAt = &now
		s.StatusTrail[id] = append(s.StatusTrail[id], minutes.StatusProcessing)
		return nil
	})
}

func (s *Store) UpdateStatus(_ context.Context, u minutes.StatusUpdate) error {
	if s.ErrUpdateStatus != nil {
		return s.ErrUpdateStatus
	}
	return s.mutate(u.SessionID, func(sess *minutes.Session) error {
		sess.AIStatus = u.Status
		sess.AIError = u.Error
		if u.ProcessedAt != nil {
			sess.AIProcessedAt = u.ProcessedAt
		}
		s.StatusTrail[u.SessionID] = append(s.StatusTrail[u.SessionID], u.Status)
		return nil
	})
}

func (s *Store) SaveTranscript(_ context.Context, id, transcript string) error {
	return s.mutate(id, func(sess *minutes.Session) error {
		sess.Transcript = transcript
		return nil
	})
}

func (s *Store) SetPDFPath(_ context.Context, id, path string) error {
	return s.mutate(id, func(sess *minutes.Session) error {
		sess.PDFPath = path
		return nil
	})
}

func (s *Store) RecordEmail(_ context.Context, id string, r minutes.EmailResult) error {
	if s.ErrRecordEmail != nil {
		return s.ErrRecordEmail
	}
	return s.mutate(id, func(sess *minutes.Session) error {
		sentAt := r.SentAt
		sess.EmailStatus = r.Status
		sess.EmailSentAt = &sentAt
		sess.EmailSentBy = r.SentBy
		sess.EmailError = r.Error
		return nil
	})
}

func (s *Store) TouchReminder(_ context.Context, id string, at time.Time) error {
	if s.ErrTouch != nil {
		return s.ErrTouch
	}
	return s.mutate(id, func(sess *minutes.Session) error {
		sess.LastReminderSentAt = &at
		return nil
	})
}

func (s *Store) mutate(id string, fn func(*minutes.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return notFound("session", id)
	}
	if err := fn(&sess); err != nil {
		return err
	}
	s.Sessions[id] = sess
	return nil
}

func (s *Store) UpsertAgendaNotes(_ context.Context, sessionID string, notes map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Notes[sessionID] == nil {
		s.Notes[sessionID] = make(map[string]string)
	}
	for id, text := range notes {
		s.Notes[sessionID][id] = text
		s.NoteWrites[sessionID+"/"+id]++
	}
	return nil
}

func (s *Store) ListAgendaNotes(_ context.Context, sessionID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.Notes[sessionID]))
	for k, v := range s.Notes[sessionID] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) AddRecording(_ context.Context, r *minutes.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.Recordings[r.SessionID] = append(s.Recordings[r.SessionID], *r)
	return nil
}

func (s *Store) ListRecordings(_ context.Context, sessionID string) ([]minutes.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := append([]minutes.Recording(nil), s.Recordings[sessionID]...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (s *Store) ListOpenTasks(_ context.Context, meetingID string) ([]minutes.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []minutes.Task
	for _, t := range s.Tasks {
		if t.MeetingID == meetingID && t.Status != minutes.TaskStatusCompleted {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) EnsureTaskColumn(_ context.Context, name string) (*minutes.TaskColumn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 0
	for _, c := range s.Columns {
		if c.Name == name {
			c := c
			return &c, nil
		}
		if c.Position+1 > next {
			next = c.Position + 1
		}
	}
	col := minutes.TaskColumn{ID: uuid.NewString(), Name: name, Position: next}
	s.Columns = append(s.Columns, col)
	return &col, nil
}

func (s *Store) InsertTasks(_ context.Context, tasks []minutes.Task, actor string) error {
	if s.ErrInsertTasks != nil {
		return s.ErrInsertTasks
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Status == "" {
			t.Status = minutes.TaskStatusOpen
		}
		t.CreatedAt = time.Now().UTC()
		s.Tasks = append(s.Tasks, t)
		s.TaskEvents = append(s.TaskEvents, minutes.TaskEvent{
			ID:        uuid.NewString(),
			TaskID:    t.ID,
			EventType: "created",
			Actor:     actor,
			Payload:   map[string]interface{}{"title": t.Title},
			CreatedAt: t.CreatedAt,
		})
	}
	return nil
}
