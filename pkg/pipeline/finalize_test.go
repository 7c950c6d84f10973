package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
)

type failingBlobs struct{}

func (failingBlobs) Upload(context.Context, string, []byte, string) error {
	return errors.New("s3: service unavailable")
}

func (failingBlobs) Download(context.Context, string) ([]byte, error) {
	return nil, errors.New("s3: service unavailable")
}

func TestFinalize_RendersStoresAndEmails(t *testing.T) {
	h := newHarness(t, minutes.StatusDone)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertAgendaNotes(ctx, "s1", map[string]string{"a1": "- Budget agreed"}))

	res, err := h.orch.Finalize(ctx, "m1", "s1")
	require.NoError(t, err)

	assert.Equal(t, "minutes/m1/s1.pdf", res.PDFPath)
	assert.Positive(t, res.Pages)
	assert.Equal(t, "msg-1", res.Email.MessageID)

	data, err := h.pdfs.Download(ctx, "minutes/m1/s1.pdf")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF"))
	assert.Equal(t, "application/pdf", h.pdfs.ContentType("minutes/m1/s1.pdf"))

	sess := h.store.Session("s1")
	assert.Equal(t, "minutes/m1/s1.pdf", sess.PDFPath)
	assert.Equal(t, minutes.StatusDone, sess.AIStatus)

	require.Len(t, h.notifier.sent, 1)
	sent := h.notifier.sent[0]
	assert.Equal(t, "minutes/m1/s1.pdf", sent.PDFPath)
	assert.Equal(t, "minutes/m1/s1.pdf", sent.Session.PDFPath)
	assert.Equal(t, data, sent.PDF)
	assert.Equal(t, []minutes.Attendee{{Email: "ada@example.com"}}, sent.Attendees)
}

func TestFinalize_UsesLatestEndedPreviousSession(t *testing.T) {
	h := newHarness(t, minutes.StatusDone)
	ctx := context.Background()

	olderEnd := started.Add(-14 * 24 * time.Hour)
	prevEnd := started.Add(-7 * 24 * time.Hour)
	h.store.PutSession(minutes.Session{ID: "s0", MeetingID: "m1", StartedAt: olderEnd.Add(-time.Hour), EndedAt: &olderEnd})
	h.store.PutSession(minutes.Session{ID: "sp", MeetingID: "m1", StartedAt: prevEnd.Add(-time.Hour), EndedAt: &prevEnd})
	h.store.PutSession(minutes.Session{ID: "open", MeetingID: "m1", StartedAt: started.Add(2 * time.Hour)})
	require.NoError(t, h.store.UpsertAgendaNotes(ctx, "sp", map[string]string{"a1": "- Budget drafted"}))

	_, err := h.orch.Finalize(ctx, "m1", "s1")
	require.NoError(t, err)

	require.NotNil(t, h.renderer.doc.Previous)
	assert.Equal(t, "sp", h.renderer.doc.Previous.ID)
	assert.Equal(t, "- Budget drafted", h.renderer.doc.PreviousNotes["a1"])
	assert.Len(t, h.renderer.doc.Agenda, 2)
}

func TestFinalize_RefinalizedOlderSessionKeepsEarlierPrevious(t *testing.T) {
	h := newHarness(t, minutes.StatusDone)
	ctx := context.Background()

	s1End := started.Add(time.Hour)
	h.store.PutSession(minutes.Session{ID: "s1", MeetingID: "m1", StartedAt: started, EndedAt: &s1End, AIStatus: minutes.StatusDone})
	laterStart := started.Add(7 * 24 * time.Hour)
	laterEnd := laterStart.Add(time.Hour)
	h.store.PutSession(minutes.Session{ID: "s2", MeetingID: "m1", StartedAt: laterStart, EndedAt: &laterEnd, AIStatus: minutes.StatusDone})

	_, err := h.orch.Finalize(ctx, "m1", "s1")
	require.NoError(t, err)
	assert.Nil(t, h.renderer.doc.Previous, "a later session is never the previous one")

	earlierEnd := started.Add(-7 * 24 * time.Hour)
	h.store.PutSession(minutes.Session{ID: "s0", MeetingID: "m1", StartedAt: earlierEnd.Add(-time.Hour), EndedAt: &earlierEnd})

	_, err = h.orch.Finalize(ctx, "m1", "s1")
	require.NoError(t, err)
	require.NotNil(t, h.renderer.doc.Previous)
	assert.Equal(t, "s0", h.renderer.doc.Previous.ID)
}

func TestFinalize_EmailFailureDoesNotFailJob(t *testing.T) {
	h := newHarness(t, minutes.StatusDone)
	h.notifier.err = &merrors.ProviderError{Provider: "resend", Op: "send", StatusCode: 422, Message: "invalid from"}

	res, err := h.orch.Finalize(context.Background(), "m1", "s1")
	require.NoError(t, err)

	assert.Nil(t, res.Email)
	assert.Contains(t, res.EmailErr, "invalid from")
	assert.Equal(t, "minutes/m1/s1.pdf", h.store.Session("s1").PDFPath)
}

func TestFinalize_RenderAndUploadErrorsAreReturned(t *testing.T) {
	h := newHarness(t, minutes.StatusDone)
	h.renderer.err = errors.New("font missing")

	_, err := h.orch.Finalize(context.Background(), "m1", "s1")
	require.Error(t, err)
	assert.Empty(t, h.notifier.sent)

	h = newHarness(t, minutes.StatusDone)
	h.orch.deps.PDFs = failingBlobs{}

	_, err = h.orch.Finalize(context.Background(), "m1", "s1")
	require.Error(t, err)
	assert.Empty(t, h.store.Session("s1").PDFPath)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, minutes.StatusDone, h.store.Session("s1").AIStatus)
}

func TestFinalize_WrongMeeting(t *testing.T) {
	h := newHarness(t, minutes.StatusDone)

	_, err := h.orch.Finalize(context.Background(), "m2", "s1")

	assert.True(t, merrors.IsValidation(err))
}

func TestSignedURL(t *testing.T) {
	h := newHarness(t, minutes.StatusDone)
	ctx := context.Background()

	_, err := h.orch.SignedURL(ctx, "s1")
	assert.True(t, merrors.IsNotFound(err))

	_, err = h.orch.SignedURL(ctx, "")
	assert.True(t, merrors.IsValidation(err))

	require.NoError(t, h.store.SetPDFPath(ctx, "s1", "minutes/m1/s1.pdf"))
	link, err := h.orch.SignedURL(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "https://minutes.example.com/files?token="), link)
}

func TestResend_Delegates(t *testing.T) {
	h := newHarness(t, minutes.StatusDone)

	res, err := h.orch.Resend(context.Background(), "m1", "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "msg-2", res.MessageID)
	assert.Equal(t, []string{"s1/u1"}, h.notifier.resends)

	_, err = h.orch.Resend(context.Background(), "", "s1", "")
	assert.True(t, merrors.IsValidation(err))
}
