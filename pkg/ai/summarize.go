package ai

import (
	"context"
	"fmt"
	"strings"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
)

const summarySystemPrompt = `You write meeting minutes. You are given the meeting agenda and an excerpt of the meeting transcript.
For each agenda item discussed in the excerpt, write concise notes covering decisions, owners and open questions.
Use the agenda item id exactly as given. Leave notes empty for items the excerpt does not touch.
Do not invent content that is not in the transcript.`

type agendaItemNote struct {
	AgendaItemID string `json:"agenda_item_id" jsonschema_description:"Id of the agenda item, copied from the agenda list"`
	Notes        string `json:"notes" jsonschema_description:"Minutes for this item from this excerpt, empty if not discussed"`
}

type summaryResponse struct {
	Notes []agendaItemNote `json:"notes"`
}

var summarySchema = SchemaFor(&summaryResponse{})

// Summarizer turns transcript text into per-agenda-item notes.
type Summarizer struct {
	llm       Completer
	logger    logging.Logger
	tracer    *observability.Tracer
	chunkSize int
	maxChunks int
}

// NewSummarizer creates a summarizer. Non-positive sizes fall back to the
// package defaults of minutes.SplitTranscript.
func NewSummarizer(llm Completer, logger logging.Logger, chunkSize, maxChunks int) *Summarizer {
	return &Summarizer{
		llm:       llm,
		logger:    logger.With(logging.F("component", "summarizer")),
		tracer:    observability.NewTracer(),
		chunkSize: chunkSize,
		maxChunks: maxChunks,
	}
}

// AgendaLine renders one agenda item the way the model sees it.
func AgendaLine(item minutes.AgendaItem) string {
	line := fmt.Sprintf("%s | %s - %s", item.ID, item.Code, item.Title)
	if d := strings.TrimSpace(item.Description); d != "" {
		line += " — " + d
	}
	return line
}

func summaryPrompt(agenda []minutes.AgendaItem, chunk string, index, total int) string {
	var b strings.Builder
	b.WriteString("Agenda (id | code - title — description):\n")
	for _, item := range agenda {
		b.WriteString(AgendaLine(item))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nTranscript excerpt %d of %d:\n", index+1, total)
	b.WriteString(chunk)
	return b.String()
}

// SummarizeChunk asks for notes on one transcript chunk. A reply that does
// not parse yields no notes rather than an error. Notes for ids outside the
// agenda are dropped.
func (s *Summarizer) SummarizeChunk(ctx context.Context, agenda []minutes.AgendaItem, chunk string, index, total int) (map[string]string, error) {
	ctx, span := s.tracer.StartChunkSpan(ctx, index, total)
	defer span.End()

	var resp summaryResponse
	err := s.llm.CompleteJSON(ctx, StructuredRequest{
		Operation:  OpSummarize,
		System:     summarySystemPrompt,
		Prompt:     summaryPrompt(agenda, chunk, index, total),
		SchemaName: "agenda_notes",
		Schema:     summarySchema,
	}, &resp)
	if merrors.IsParseError(err) {
		s.logger.Warn("summary reply did not parse, chunk produced no notes",
			logging.F("chunk", index), logging.Err(err))
		return map[string]string{}, nil
	}
	if err != nil {
		observability.NewSpanHelper(span).SetError(err, "summarize", merrors.IsErrorRetryable(err))
		return nil, err
	}

	known := make(map[string]bool, len(agenda))
	for _, item := range agenda {
		known[item.ID] = true
	}

	notes := make(map[string]string, len(resp.Notes))
	for _, n := range resp.Notes {
		if !known[n.AgendaItemID] {
			continue
		}
		notes[n.AgendaItemID] = minutes.MergeNote(notes[n.AgendaItemID], strings.TrimSpace(n.Notes))
	}
	return notes, nil
}

// Summarize chunks the transcript, summarizes chunks in order and merges the
// results. The returned map has exactly one entry per agenda item.
func (s *Summarizer) Summarize(ctx context.Context, agenda []minutes.AgendaItem, transcript string) (map[string]string, error) {
	chunks := minutes.SplitTranscript(transcript, s.chunkSize, s.maxChunks)
	merged := make(map[string]string)
	for i, chunk := range chunks {
		notes, err := s.SummarizeChunk(ctx, agenda, chunk, i, len(chunks))
		if err != nil {
			return nil, fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		minutes.MergeChunkNotes(merged, notes)
	}
	s.logger.Debug("transcript summarized", logging.F("chunks", len(chunks)), logging.F("items", len(merged)))
	return minutes.NotesForAgenda(agenda, merged), nil
}
