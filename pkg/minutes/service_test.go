package minutes_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes/minutestest"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDispatcher) DispatchProcess(_ context.Context, meetingID, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, meetingID+"/"+sessionID)
	return d.err
}

func newService(t *testing.T) (*minutes.Service, *minutestest.Store, *recordingDispatcher) {
	t.Helper()
	store := minutestest.New()
	store.AddMeeting(minutes.Meeting{ID: "m1", Title: "Weekly Ops"}, nil,
		[]minutes.AgendaItem{{ID: "a1", Code: "OPS-1", Title: "Budget"}})
	d := &recordingDispatcher{}
	return minutes.NewService(store, d, logging.NewNopLogger()), store, d
}

func TestStartSession_ReusesOpenSession(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.StartSession(ctx, "m1", "")
	require.NoError(t, err)
	assert.Equal(t, minutes.StatusReady, first.AIStatus)

	second, err := svc.StartSession(ctx, "m1", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestStartSession_UnknownMeeting(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.StartSession(context.Background(), "nope", "")
	assert.True(t, merrors.IsNotFound(err))
}

func TestStartSession_ConcurrentStartsConverge(t *testing.T) {
	svc, store, _ := newService(t)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := svc.StartSession(context.Background(), "m1", "")
			if err == nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	sessions, err := store.ListSessions(context.Background(), "m1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	for _, id := range ids {
		assert.Equal(t, sessions[0].ID, id)
	}
}

func TestConcludeSession_WithRecordingQueues(t *testing.T) {
	svc, store, d := newService(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "m1", "")
	require.NoError(t, err)
	_, err = svc.AttachRecording(ctx, sess.ID, "m1/"+sess.ID+"/part-1.webm", 600)
	require.NoError(t, err)

	view, err := svc.ConcludeSession(ctx, "m1", sess.ID)
	require.NoError(t, err)

	assert.Equal(t, minutes.StatusQueued, view.AIStatus)
	assert.Equal(t, []string{"m1/" + sess.ID}, d.calls)
	assert.NotNil(t, store.Session(sess.ID).EndedAt)
}

func TestConcludeSession_WithoutRecordingStaysReady(t *testing.T) {
	svc, store, d := newService(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "m1", "")
	require.NoError(t, err)

	view, err := svc.ConcludeSession(ctx, "m1", sess.ID)
	require.NoError(t, err)

	assert.Equal(t, minutes.StatusReady, view.AIStatus)
	assert.Empty(t, d.calls)
	assert.NotNil(t, store.Session(sess.ID).EndedAt)
}

func TestConcludeSession_WrongMeeting(t *testing.T) {
	svc, _, _ := newService(t)
	sess, err := svc.StartSession(context.Background(), "m1", "")
	require.NoError(t, err)

	_, err = svc.ConcludeSession(context.Background(), "other", sess.ID)
	assert.True(t, merrors.IsValidation(err))
}

func TestConcludeSession_DispatchFailure(t *testing.T) {
	svc, _, d := newService(t)
	d.err = errors.New("redis down")
	ctx := context.Background()

	sess, _ := svc.StartSession(ctx, "m1", "")
	_, _ = svc.AttachRecording(ctx, sess.ID, "a.webm", 1)

	_, err := svc.ConcludeSession(ctx, "m1", sess.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestAttachRecording_Validation(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	_, err := svc.AttachRecording(ctx, "s", " ", 1)
	assert.True(t, merrors.IsValidation(err))

	endedAt := time.Now()
	store.PutSession(minutes.Session{ID: "closed", MeetingID: "m1", EndedAt: &endedAt, AIStatus: minutes.StatusDone})
	_, err = svc.AttachRecording(ctx, "closed", "x.webm", 1)
	assert.True(t, merrors.IsInvalidState(err))
}

func TestUpdateNote(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "m1", "")

	require.NoError(t, svc.UpdateNote(ctx, sess.ID, "a1", "Budget discussed"))
	require.NoError(t, svc.UpdateNote(ctx, sess.ID, "a1", "Budget approved"))

	notes, _ := store.ListAgendaNotes(ctx, sess.ID)
	assert.Equal(t, map[string]string{"a1": "Budget approved"}, notes)

	err := svc.UpdateNote(ctx, sess.ID, "missing", "x")
	assert.True(t, merrors.IsNotFound(err))
}
