// Package pdf renders meeting minutes as a paginated PDF: a header, a
// metadata table, the meeting's open tasks and one two-column card per agenda
// item comparing this session's notes with the previous session's.
package pdf

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
)

// Layout, in millimetres on A4 portrait.
const (
	margin      = 15.0
	lineHeight  = 5.0
	cellPadding = 2.0
	labelWidth  = 35.0
	bodySize    = 10.0
	headingSize = 13.0
	titleSize   = 18.0
	fontFamily  = "Helvetica"
)

// Placeholders for missing content.
const (
	NoneText          = "(none)"
	NoNotesText       = "(no notes)"
	NoPreviousSession = "(no previous session)"
)

// Document is everything shown in one minutes PDF.
type Document struct {
	Meeting   minutes.Meeting
	Session   minutes.Session
	Attendees []minutes.Attendee
	Tasks     []minutes.Task
	Agenda    []minutes.AgendaItem

	// Notes are this session's notes by agenda item id.
	Notes map[string]string

	// Previous is the previous session, nil when there is none.
	Previous      *minutes.Session
	PreviousNotes map[string]string

	// Location formats dates and times; UTC when nil.
	Location *time.Location
}

// Result is a rendered document.
type Result struct {
	Bytes []byte
	Pages int
}

// Renderer renders documents.
type Renderer struct {
	compress bool
}

// NewRenderer returns a renderer producing compressed output.
func NewRenderer() *Renderer {
	return &Renderer{compress: true}
}

// Render lays out doc and returns the PDF bytes.
func (r *Renderer) Render(doc Document) (*Result, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.compress)
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(false, margin)
	pdf.SetTitle("Minutes: "+doc.Meeting.Title, true)
	pdf.SetCreator("minutes-admin", true)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-10)
		pdf.SetFont(fontFamily, "I", 8)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 4, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	w := &writer{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor(""), loc: doc.Location}
	if w.loc == nil {
		w.loc = time.UTC
	}
	pageW, pageH := pdf.GetPageSize()
	w.contentW = pageW - 2*margin
	w.bottom = pageH - margin

	pdf.AddPage()
	w.header(doc)
	w.metadata(doc)
	w.openTasks(doc.Tasks)
	w.agenda(doc)

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("failed to lay out minutes: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write minutes pdf: %w", err)
	}
	return &Result{Bytes: buf.Bytes(), Pages: pdf.PageCount()}, nil
}

type writer struct {
	pdf      *fpdf.Fpdf
	tr       func(string) string
	loc      *time.Location
	contentW float64
	bottom   float64
}

// ensure starts a new page when less than need remains, never less than two
// lines.
func (w *writer) ensure(need float64) {
	if need < 2*lineHeight {
		need = 2 * lineHeight
	}
	if w.bottom-w.pdf.GetY() < need {
		w.pdf.AddPage()
	}
}

func (w *writer) font(style string, size float64) {
	w.pdf.SetFont(fontFamily, style, size)
}

func (w *writer) wrap(text string, width float64) []string {
	return Wrap(w.tr(text), width-2*cellPadding, w.pdf.GetStringWidth)
}

func (w *writer) header(doc Document) {
	w.font("B", titleSize)
	w.pdf.SetTextColor(20, 40, 80)
	for _, line := range w.wrap(doc.Meeting.Title, w.contentW) {
		w.pdf.CellFormat(w.contentW, 9, line, "", 1, "L", false, 0, "")
	}
	w.font("", bodySize)
	w.pdf.SetTextColor(90, 90, 90)
	w.pdf.CellFormat(w.contentW, lineHeight, "Meeting minutes", "", 1, "L", false, 0, "")
	w.pdf.SetTextColor(0, 0, 0)
	w.pdf.Ln(4)
}

func (w *writer) heading(text string) {
	w.ensure(3 * lineHeight)
	w.pdf.Ln(3)
	w.font("B", headingSize)
	w.pdf.SetTextColor(20, 40, 80)
	w.pdf.CellFormat(w.contentW, 7, w.tr(text), "B", 1, "L", false, 0, "")
	w.pdf.SetTextColor(0, 0, 0)
	w.pdf.Ln(2)
}

// Metadata rows shown in the table.
func metadataRows(doc Document, loc *time.Location) [][2]string {
	start := doc.Session.StartedAt.In(loc)
	timeText := start.Format("15:04")
	if doc.Session.EndedAt != nil {
		timeText += " - " + doc.Session.EndedAt.In(loc).Format("15:04")
	}
	if loc != time.UTC {
		timeText += " " + start.Format("MST")
	}

	attendees := make([]string, 0, len(doc.Attendees))
	for _, a := range doc.Attendees {
		if a.Name != "" {
			attendees = append(attendees, fmt.Sprintf("%s <%s>", a.Name, a.Email))
		} else {
			attendees = append(attendees, a.Email)
		}
	}
	attendeeText := NoneText
	if len(attendees) > 0 {
		attendeeText = strings.Join(attendees, "\n")
	}

	return [][2]string{
		{"ID", doc.Session.ID},
		{"Name", doc.Meeting.Title},
		{"Date", start.Format(minutes.DateLayout)},
		{"Time", timeText},
		{"Attendees", attendeeText},
	}
}

func (w *writer) metadata(doc Document) {
	valueW := w.contentW - labelWidth
	for _, row := range metadataRows(doc, w.loc) {
		lines := w.wrap(row[1], valueW)
		if len(lines) == 0 {
			lines = []string{""}
		}
		for i, line := range lines {
			w.ensure(lineHeight)
			label, border := "", "LR"
			if i == 0 {
				label, border = row[0], "LTR"
			}
			if i == len(lines)-1 {
				border += "B"
			}
			w.font("B", bodySize)
			w.pdf.SetFillColor(235, 239, 245)
			w.pdf.CellFormat(labelWidth, lineHeight+1, w.tr(label), border, 0, "L", true, 0, "")
			w.font("", bodySize)
			w.pdf.CellFormat(valueW, lineHeight+1, line, border, 1, "L", false, 0, "")
		}
	}
}

// OpenTasks filters out completed tasks.
func OpenTasks(tasks []minutes.Task) []minutes.Task {
	open := make([]minutes.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != minutes.TaskStatusCompleted {
			open = append(open, t)
		}
	}
	return open
}

func taskLine(t minutes.Task) string {
	parts := []string{t.Title}
	if t.Owner != "" {
		parts = append(parts, "Owner: "+t.Owner)
	}
	if t.DueDate != nil {
		parts = append(parts, "Due: "+t.DueDate.Format(minutes.DateLayout))
	}
	if t.Priority != "" && t.Priority != minutes.PriorityNormal {
		parts = append(parts, "Priority: "+string(t.Priority))
	}
	return strings.Join(parts, "  |  ")
}

func (w *writer) openTasks(tasks []minutes.Task) {
	w.heading("Open tasks")
	w.font("", bodySize)

	open := OpenTasks(tasks)
	if len(open) == 0 {
		w.pdf.CellFormat(w.contentW, lineHeight, NoneText, "", 1, "L", false, 0, "")
		return
	}
	for _, t := range open {
		lines := w.wrap(taskLine(t), w.contentW-5)
		for i, line := range lines {
			w.ensure(lineHeight)
			bullet := ""
			if i == 0 {
				bullet = w.tr("•")
			}
			w.pdf.CellFormat(5, lineHeight, bullet, "", 0, "C", false, 0, "")
			w.pdf.CellFormat(w.contentW-5, lineHeight, line, "", 1, "L", false, 0, "")
		}
	}
}

func (w *writer) agenda(doc Document) {
	w.heading("Agenda")
	if len(doc.Agenda) == 0 {
		w.font("", bodySize)
		w.pdf.CellFormat(w.contentW, lineHeight, NoneText, "", 1, "L", false, 0, "")
		return
	}

	prevTitle := NoPreviousSession
	if doc.Previous != nil {
		prevTitle = "Previous session (" + doc.Previous.StartedAt.In(w.loc).Format(minutes.DateLayout) + ")"
	}
	for _, item := range doc.Agenda {
		current := strings.TrimSpace(doc.Notes[item.ID])
		if current == "" {
			current = NoNotesText
		}
		previous := ""
		if doc.Previous != nil {
			previous = strings.TrimSpace(doc.PreviousNotes[item.ID])
			if previous == "" {
				previous = NoNotesText
			}
		}
		w.card(item, current, previous, prevTitle)
	}
}

// card draws one agenda item: a title bar, then current and previous notes
// side by side. Each column wraps on its own; rows continue onto new pages.
func (w *writer) card(item minutes.AgendaItem, current, previous, prevTitle string) {
	colW := w.contentW / 2

	title := item.Title
	if item.Code != "" {
		title = item.Code + " - " + item.Title
	}
	w.font("B", bodySize+1)
	titleLines := w.wrap(title, w.contentW)
	w.ensure(float64(len(titleLines)+3) * lineHeight)
	w.pdf.Ln(2)

	w.pdf.SetFillColor(20, 40, 80)
	w.pdf.SetTextColor(255, 255, 255)
	for _, line := range titleLines {
		w.pdf.CellFormat(w.contentW, lineHeight+1, line, "1", 1, "L", true, 0, "")
	}
	w.pdf.SetTextColor(0, 0, 0)

	columnHeads := func() {
		w.font("B", bodySize-1)
		w.pdf.SetFillColor(235, 239, 245)
		w.pdf.CellFormat(colW, lineHeight, w.tr("This session"), "1", 0, "L", true, 0, "")
		w.pdf.CellFormat(colW, lineHeight, w.tr(prevTitle), "1", 1, "L", true, 0, "")
		w.font("", bodySize)
	}
	columnHeads()

	left := w.wrap(current, colW)
	right := w.wrap(previous, colW)
	rows := len(left)
	if len(right) > rows {
		rows = len(right)
	}
	for i := 0; i < rows; i++ {
		border := "LR"
		if i == rows-1 {
			border = "LRB"
		}
		if w.bottom-w.pdf.GetY() < 2*lineHeight {
			x, y := w.pdf.GetX(), w.pdf.GetY()
			w.pdf.Line(x, y, x+w.contentW, y)
			w.pdf.AddPage()
			columnHeads()
		}
		w.pdf.CellFormat(colW, lineHeight, lineAt(left, i), border, 0, "L", false, 0, "")
		w.pdf.CellFormat(colW, lineHeight, lineAt(right, i), border, 1, "L", false, 0, "")
	}
}

func lineAt(lines []string, i int) string {
	if i < len(lines) {
		return lines[i]
	}
	return ""
}
