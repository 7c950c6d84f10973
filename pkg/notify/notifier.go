package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"
	"unicode"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
	"github.com/otherjamesbrown/minutes-admin/pkg/storage"
)

// Email kinds, used as metric labels.
const (
	KindAuto   = "auto"
	KindResend = "resend"
)

// LinkSigner issues time-limited download links for stored objects.
type LinkSigner interface {
	SignedURL(bucket, key string) (string, error)
}

// Notification is everything needed to send the minutes of one session.
type Notification struct {
	Meeting   minutes.Meeting
	Session   minutes.Session
	Attendees []minutes.Attendee
	PDF       []byte
	PDFPath   string
}

// Result describes a send attempt.
type Result struct {
	Skipped    bool
	Reason     string
	MessageID  string
	Recipients []string
}

// Options configures a Notifier.
type Options struct {
	From string
	// PDFBucket is where rendered PDFs live; signed links point into it.
	PDFBucket string
	// MeetingURL builds the link back to a meeting page.
	MeetingURL func(meetingID string) string
}

// Notifier emails rendered minutes to attendees.
type Notifier struct {
	mailer  Mailer
	store   minutes.Store
	pdfs    storage.Blobs
	signer  LinkSigner
	opts    Options
	logger  logging.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewNotifier creates a notifier. signer and metrics may be nil.
func NewNotifier(mailer Mailer, store minutes.Store, pdfs storage.Blobs, signer LinkSigner, opts Options, logger logging.Logger, metrics *observability.Metrics) *Notifier {
	return &Notifier{
		mailer:  mailer,
		store:   store,
		pdfs:    pdfs,
		signer:  signer,
		opts:    opts,
		logger:  logger.With(logging.F("component", "notifier")),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Notify sends the automatic minutes email after a render. It sends nothing
// when the meeting has no attendees. On success the session's reminder
// timestamp is updated; a failure to do so is only logged.
func (n *Notifier) Notify(ctx context.Context, note Notification) (*Result, error) {
	if len(recipients(note.Attendees)) == 0 {
		n.metrics.RecordEmail(KindAuto, "skipped")
		n.logger.Info("no attendees, minutes email skipped", logging.F("session_id", note.Session.ID))
		return &Result{Skipped: true, Reason: "no attendees"}, nil
	}

	res, err := n.send(ctx, note)
	if err != nil {
		n.metrics.RecordEmail(KindAuto, "error")
		return nil, err
	}
	n.metrics.RecordEmail(KindAuto, "sent")

	if err := n.store.TouchReminder(ctx, note.Session.ID, n.now()); err != nil {
		n.logger.Warn("failed to record reminder time",
			logging.F("session_id", note.Session.ID), logging.Err(err))
	}
	return res, nil
}

// Resend emails the already-rendered PDF of a session again and records the
// outcome on the session. It returns an ErrNotFound error when the session
// has no stored PDF.
func (n *Notifier) Resend(ctx context.Context, meetingID, sessionID, sentBy string) (*Result, error) {
	sess, err := n.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.MeetingID != meetingID {
		return nil, fmt.Errorf("session %s does not belong to meeting %s: %w", sessionID, meetingID, merrors.ErrValidation)
	}
	if sess.PDFPath == "" {
		return nil, fmt.Errorf("session %s has no rendered pdf: %w", sessionID, merrors.ErrNotFound)
	}

	meeting, err := n.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	attendees, err := n.store.ListAttendees(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	res, err := n.resend(ctx, meeting, sess, attendees)
	n.recordResend(ctx, sessionID, sentBy, err)
	if err != nil {
		n.metrics.RecordEmail(KindResend, "error")
		return nil, err
	}
	n.metrics.RecordEmail(KindResend, "sent")
	return res, nil
}

func (n *Notifier) resend(ctx context.Context, meeting *minutes.Meeting, sess *minutes.Session, attendees []minutes.Attendee) (*Result, error) {
	if len(recipients(attendees)) == 0 {
		return nil, fmt.Errorf("meeting %s has no attendees: %w", meeting.ID, merrors.ErrValidation)
	}
	data, err := n.pdfs.Download(ctx, sess.PDFPath)
	if err != nil {
		return nil, fmt.Errorf("failed to download pdf %s: %w", sess.PDFPath, err)
	}
	return n.send(ctx, Notification{
		Meeting:   *meeting,
		Session:   *sess,
		Attendees: attendees,
		PDF:       data,
		PDFPath:   sess.PDFPath,
	})
}

func (n *Notifier) recordResend(ctx context.Context, sessionID, sentBy string, sendErr error) {
	res := minutes.EmailResult{
		Status: minutes.EmailStatusSent,
		SentAt: n.now(),
		SentBy: sentBy,
	}
	if sendErr != nil {
		res.Status = minutes.EmailStatusFailed
		res.Error = sendErr.Error()
	}
	if err := n.store.RecordEmail(ctx, sessionID, res); err != nil {
		n.logger.Warn("failed to record email status",
			logging.F("session_id", sessionID), logging.Err(err))
	}
}

func (n *Notifier) send(ctx context.Context, note Notification) (*Result, error) {
	to := recipients(note.Attendees)
	date := note.Session.StartedAt.Format(minutes.DateLayout)

	body := emailBody{
		Title: note.Meeting.Title,
		Date:  date,
	}
	if n.opts.MeetingURL != nil {
		body.MeetingURL = n.opts.MeetingURL(note.Meeting.ID)
	}
	body.PDFURL = n.signedLink(note.PDFPath)

	html, err := renderHTML(body)
	if err != nil {
		return nil, err
	}

	msg := Message{
		From:    n.opts.From,
		To:      to,
		Subject: Subject(note.Meeting.Title, note.Session.StartedAt),
		Text:    renderText(body),
		HTML:    html,
		Attachments: []Attachment{{
			Filename:    AttachmentName(note.Meeting.Title, note.Session.StartedAt),
			Content:     note.PDF,
			ContentType: storage.ContentTypePDF,
		}},
	}

	id, err := n.mailer.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send minutes email: %w", err)
	}
	n.logger.Info("minutes email sent",
		logging.F("session_id", note.Session.ID),
		logging.F("recipients", len(to)),
		logging.F("message_id", id))
	return &Result{MessageID: id, Recipients: to}, nil
}

// signedLink returns a download link for the PDF, or "" when none can be made.
func (n *Notifier) signedLink(key string) string {
	if n.signer == nil || key == "" {
		return ""
	}
	link, err := n.signer.SignedURL(n.opts.PDFBucket, key)
	if err != nil {
		n.logger.Warn("failed to sign pdf link", logging.F("key", key), logging.Err(err))
		return ""
	}
	return link
}

// Subject is the minutes email subject line.
func Subject(title string, startedAt time.Time) string {
	return fmt.Sprintf("Minutes PDF: %s (%s)", title, startedAt.Format(minutes.DateLayout))
}

// AttachmentName is a filesystem-safe name for the attached PDF.
func AttachmentName(title string, startedAt time.Time) string {
	slug := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return '-'
	}, strings.TrimSpace(title))
	slug = strings.Trim(slug, "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if slug == "" {
		slug = "minutes"
	}
	return slug + "-" + startedAt.Format(minutes.DateLayout) + ".pdf"
}

func recipients(attendees []minutes.Attendee) []string {
	var to []string
	seen := make(map[string]bool, len(attendees))
	for _, a := range attendees {
		email := strings.TrimSpace(a.Email)
		key := strings.ToLower(email)
		if email == "" || seen[key] {
			continue
		}
		seen[key] = true
		to = append(to, email)
	}
	return to
}

type emailBody struct {
	Title      string
	Date       string
	MeetingURL string
	PDFURL     string
}

func renderText(b emailBody) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The minutes for %s on %s are attached.\n", b.Title, b.Date)
	if b.MeetingURL != "" {
		fmt.Fprintf(&sb, "\nMeeting: %s\n", b.MeetingURL)
	}
	if b.PDFURL != "" {
		fmt.Fprintf(&sb, "Download the PDF: %s\n", b.PDFURL)
	}
	return sb.String()
}

var htmlBody = template.Must(template.New("minutes").Parse(`<p>The minutes for <strong>{{.Title}}</strong> on {{.Date}} are attached.</p>
{{- if .MeetingURL}}
<p><a href="{{.MeetingURL}}">Open the meeting</a></p>
{{- end}}
{{- if .PDFURL}}
<p><a href="{{.PDFURL}}">Download the PDF</a></p>
{{- end}}
`))

func renderHTML(b emailBody) (string, error) {
	var buf bytes.Buffer
	if err := htmlBody.Execute(&buf, b); err != nil {
		return "", fmt.Errorf("failed to render email body: %w", err)
	}
	return buf.String(), nil
}
