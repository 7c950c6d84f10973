package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes/minutestest"
	"github.com/otherjamesbrown/minutes-admin/pkg/notify"
	"github.com/otherjamesbrown/minutes-admin/pkg/pdf"
	"github.com/otherjamesbrown/minutes-admin/pkg/storage"
)

type fakeTranscriber struct {
	text  string
	err   error
	paths []string
}

func (f *fakeTranscriber) TranscribeSession(_ context.Context, recs []minutes.Recording) (string, error) {
	for _, r := range recs {
		f.paths = append(f.paths, r.StoragePath)
	}
	return f.text, f.err
}

type fakeSummarizer struct {
	notes map[string]string
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ []minutes.AgendaItem, _ string) (map[string]string, error) {
	f.calls++
	return f.notes, f.err
}

type fakeExtractor struct {
	calls int
}

func (f *fakeExtractor) ExtractAndStore(context.Context, *minutes.Session, string) int {
	f.calls++
	return 2
}

type fakeFinalize struct {
	mu       sync.Mutex
	sessions []string
	err      error
}

func (f *fakeFinalize) DispatchFinalize(_ context.Context, _, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	return f.err
}

type fakeNotifier struct {
	sent    []notify.Notification
	err     error
	resends []string
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) (*notify.Result, error) {
	f.sent = append(f.sent, n)
	if f.err != nil {
		return nil, f.err
	}
	return &notify.Result{MessageID: "msg-1"}, nil
}

func (f *fakeNotifier) Resend(_ context.Context, _, sessionID, sentBy string) (*notify.Result, error) {
	f.resends = append(f.resends, sessionID+"/"+sentBy)
	return &notify.Result{MessageID: "msg-2"}, nil
}

// capturingRenderer records the document it was asked to render.
type capturingRenderer struct {
	doc pdf.Document
	err error
}

func (r *capturingRenderer) Render(doc pdf.Document) (*pdf.Result, error) {
	r.doc = doc
	if r.err != nil {
		return nil, r.err
	}
	return pdf.NewRenderer().Render(doc)
}

var (
	started = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	agenda  = []minutes.AgendaItem{
		{ID: "a1", MeetingID: "m1", Code: "1", Title: "Budget", Position: 1},
		{ID: "a2", MeetingID: "m1", Code: "2", Title: "Hiring", Position: 2},
	}
)

type harness struct {
	store       *minutestest.Store
	transcriber *fakeTranscriber
	summarizer  *fakeSummarizer
	extractor   *fakeExtractor
	finalize    *fakeFinalize
	notifier    *fakeNotifier
	renderer    *capturingRenderer
	pdfs        *storage.MemoryStore
	orch        *Orchestrator
}

func newHarness(t *testing.T, status minutes.AIStatus) *harness {
	t.Helper()
	h := &harness{
		store:       minutestest.New(),
		transcriber: &fakeTranscriber{text: "We agreed the budget. Sam will hire two engineers."},
		summarizer:  &fakeSummarizer{notes: map[string]string{"a1": "- Budget agreed", "a2": "- Two hires"}},
		extractor:   &fakeExtractor{},
		finalize:    &fakeFinalize{},
		notifier:    &fakeNotifier{},
		renderer:    &capturingRenderer{},
		pdfs:        storage.NewMemoryStore(),
	}
	h.store.AddMeeting(minutes.Meeting{ID: "m1", Title: "Board Meeting"},
		[]minutes.Attendee{{Email: "ada@example.com"}}, agenda)
	ended := started.Add(time.Hour)
	h.store.PutSession(minutes.Session{ID: "s1", MeetingID: "m1", StartedAt: started, EndedAt: &ended, AIStatus: status})
	ctx := context.Background()
	require.NoError(t, h.store.AddRecording(ctx, &minutes.Recording{SessionID: "s1", StoragePath: "rec/s1/1.webm", CreatedAt: started}))
	require.NoError(t, h.store.AddRecording(ctx, &minutes.Recording{SessionID: "s1", StoragePath: "rec/s1/2.webm", CreatedAt: started.Add(time.Minute)}))

	h.orch = New(Deps{
		Store:       h.store,
		Transcriber: h.transcriber,
		Summarizer:  h.summarizer,
		Extractor:   h.extractor,
		Renderer:    h.renderer,
		PDFs:        h.pdfs,
		Notifier:    h.notifier,
		Signer:      storage.NewSigner("secret", "https://minutes.example.com", 30*24*time.Hour),
		Finalize:    h.finalize,
		Logger:      logging.NewNopLogger(),
	}, Options{PDFBucket: "minutes-pdfs"})
	return h
}

func run(t *testing.T, h *harness, req Request) *RunResult {
	t.Helper()
	res, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestRun_Done(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusDone, res.Status)
	assert.Equal(t, 2, res.ActionItems)
	assert.True(t, res.FinalizeSent)

	sess := h.store.Session("s1")
	assert.Equal(t, minutes.StatusDone, sess.AIStatus)
	assert.Empty(t, sess.AIError)
	assert.NotNil(t, sess.AIProcessedAt)
	assert.Equal(t, h.transcriber.text, sess.Transcript)
	assert.Equal(t, []minutes.AIStatus{minutes.StatusProcessing, minutes.StatusDone}, h.store.StatusTrail["s1"])

	notes, _ := h.store.ListAgendaNotes(context.Background(), "s1")
	assert.Equal(t, h.summarizer.notes, notes)
	assert.Equal(t, 1, h.store.NoteWrites["s1/a1"])
	assert.Equal(t, 1, h.extractor.calls)
	assert.Equal(t, []string{"rec/s1/1.webm", "rec/s1/2.webm"}, h.transcriber.paths)
	assert.Equal(t, []string{"s1"}, h.finalize.sessions)
}

func TestRun_RecordingPathRestrictsTranscription(t *testing.T) {
	h := newHarness(t, minutes.StatusReady)

	run(t, h, Request{MeetingID: "m1", SessionID: "s1", RecordingPath: "rec/s1/2.webm"})

	assert.Equal(t, []string{"rec/s1/2.webm"}, h.transcriber.paths)
}

func TestRun_EmptyTranscriptSkips(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	h.transcriber.text = " \n\n "

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusSkipped, res.Status)
	assert.Equal(t, SkipEmptyTranscript, res.SkipReason)
	assert.Equal(t, minutes.StatusSkipped, h.store.Session("s1").AIStatus)
	assert.Zero(t, h.summarizer.calls)
	assert.Zero(t, h.extractor.calls)
	assert.Empty(t, h.finalize.sessions)
}

func TestRun_NoAgendaSkips(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	h.store.AddMeeting(minutes.Meeting{ID: "m1", Title: "Board Meeting"}, nil, nil)

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusSkipped, res.Status)
	assert.Equal(t, SkipNoAgenda, res.SkipReason)
	assert.Zero(t, h.summarizer.calls)
}

func TestRun_FailureIsRecordedOnSession(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	h.summarizer.err = &merrors.ProviderError{Provider: "openai", Op: "chat", StatusCode: 500, Message: "upstream exploded"}

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusError, res.Status)
	assert.Equal(t, string(merrors.ErrServerError), res.ErrorCode)
	assert.Equal(t, merrors.GetSuggestedAction(merrors.ErrServerError), res.Suggestion)
	sess := h.store.Session("s1")
	assert.Equal(t, minutes.StatusError, sess.AIStatus)
	assert.Contains(t, sess.AIError, "upstream exploded")
	assert.Contains(t, sess.AIError, "server_error")
	assert.Nil(t, sess.AIProcessedAt)
	assert.Zero(t, h.extractor.calls)
	assert.Empty(t, h.finalize.sessions)
}

func TestRun_TranscriptionFailure(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	h.transcriber.err = errors.New("read tcp: connection reset by peer")

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusError, res.Status)
	assert.Zero(t, h.summarizer.calls)
}

func TestRun_NoRecordingsIsAnError(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	h.store.Recordings["s1"] = nil

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusError, res.Status)
	assert.Contains(t, res.Error, "no recordings")
}

func TestRun_ErrorSessionCanBeRetried(t *testing.T) {
	h := newHarness(t, minutes.StatusError)

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusDone, res.Status)
}

func TestRun_RejectsUnclaimableSessions(t *testing.T) {
	for _, status := range []minutes.AIStatus{minutes.StatusDone, minutes.StatusSkipped} {
		h := newHarness(t, status)

		_, err := h.orch.Run(context.Background(), Request{MeetingID: "m1", SessionID: "s1"})

		assert.True(t, merrors.IsConflict(err), string(status))
		assert.Equal(t, status, h.store.Session("s1").AIStatus)
		assert.Empty(t, h.transcriber.paths)
	}
}

// claimedAt puts s1 in processing under a claim taken at the given time.
func claimedAt(h *harness, at time.Time) {
	sess := h.store.Session("s1")
	sess.AIStatus = minutes.StatusProcessing
	sess.ProcessingStartedAt = &at
	h.store.PutSession(sess)
}

func TestRun_LiveClaimIsAConflict(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	claimedAt(h, time.Now().UTC().Add(-time.Minute))

	_, err := h.orch.Run(context.Background(), Request{MeetingID: "m1", SessionID: "s1"})

	assert.True(t, merrors.IsConflict(err))
	assert.Equal(t, minutes.StatusProcessing, h.store.Session("s1").AIStatus)
	assert.Empty(t, h.transcriber.paths)
}

func TestRun_ExpiredClaimIsTakenOver(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	claimedAt(h, time.Now().UTC().Add(-DefaultProcessingLease-time.Minute))

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusDone, res.Status)
	assert.Equal(t, minutes.StatusDone, h.store.Session("s1").AIStatus)
	assert.Len(t, h.transcriber.paths, 2)
}

func TestRun_ForceTakesOverLiveClaim(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	claimedAt(h, time.Now().UTC().Add(-time.Minute))

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1", Force: true})

	assert.Equal(t, minutes.StatusDone, res.Status)
}

func TestRun_NegativeLeaseNeverExpires(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	h.orch.opts.ProcessingLease = -1
	claimedAt(h, time.Now().UTC().Add(-24*time.Hour))

	_, err := h.orch.Run(context.Background(), Request{MeetingID: "m1", SessionID: "s1"})

	assert.True(t, merrors.IsConflict(err))
}

// logEntries decodes JSON log lines with the given message.
func logEntries(t *testing.T, buf *bytes.Buffer, msg string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["message"] == msg {
			out = append(out, entry)
		}
	}
	return out
}

func TestRun_LogsCarrySession(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	var buf bytes.Buffer
	h.orch.logger = logging.NewLogger(&logging.Config{Level: logging.LevelDebug, JSONFormat: true, Output: &buf})

	run(t, h, Request{MeetingID: "m1", SessionID: "s1"})
	_, err := h.orch.Finalize(context.Background(), "m1", "s1")
	require.NoError(t, err)

	for _, msg := range []string{"pipeline run started", "minutes pdf stored"} {
		entries := logEntries(t, &buf, msg)
		require.Len(t, entries, 1, msg)
		assert.Equal(t, "s1", entries[0]["session_id"], msg)
		assert.Equal(t, "m1", entries[0]["meeting_id"], msg)
	}
}

func TestRun_RequestValidation(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	ctx := context.Background()

	_, err := h.orch.Run(ctx, Request{SessionID: "s1"})
	assert.True(t, merrors.IsValidation(err))

	_, err = h.orch.Run(ctx, Request{MeetingID: "m2", SessionID: "s1"})
	assert.True(t, merrors.IsValidation(err))

	_, err = h.orch.Run(ctx, Request{MeetingID: "m1", SessionID: "missing"})
	assert.True(t, merrors.IsNotFound(err))
}

func TestRun_StatusWriteFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	h.store.ErrUpdateStatus = errors.New("connection refused")

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusDone, res.Status)
	assert.Equal(t, []string{"s1"}, h.finalize.sessions)
}

func TestRun_FinalizeDispatchFailureIsLogged(t *testing.T) {
	h := newHarness(t, minutes.StatusQueued)
	h.finalize.err = errors.New("redis down")

	res := run(t, h, Request{MeetingID: "m1", SessionID: "s1"})

	assert.Equal(t, minutes.StatusDone, res.Status)
	assert.False(t, res.FinalizeSent)
}

func TestFormatAIError(t *testing.T) {
	stack := []byte(strings.Repeat("x", maxStackInError+100))

	got := FormatAIError(errors.New("boom"), stack)

	assert.True(t, strings.HasPrefix(got, "boom ["))
	assert.True(t, strings.HasSuffix(got, "\n..."))
	assert.Less(t, len(got), maxStackInError+50)
	assert.Equal(t, "boom [processing_error/*errors.errorString]", FormatAIError(errors.New("boom"), nil))
}

func TestPDFKey(t *testing.T) {
	assert.Equal(t, "minutes/m1/s1.pdf", PDFKey("m1", "s1"))
}
