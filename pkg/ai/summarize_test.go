package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
)

// MockCompleter implements Completer for testing.
type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) CompleteJSON(ctx context.Context, req StructuredRequest, target interface{}) error {
	args := m.Called(ctx, req, target)
	return args.Error(0)
}

func promptHas(fragment string) interface{} {
	return mock.MatchedBy(func(req StructuredRequest) bool {
		return strings.Contains(req.Prompt, fragment)
	})
}

func replyNotes(notes ...agendaItemNote) func(mock.Arguments) {
	return func(args mock.Arguments) {
		args.Get(2).(*summaryResponse).Notes = notes
	}
}

var testAgenda = []minutes.AgendaItem{
	{ID: "a1", Code: "FIN-1", Title: "Budget", Description: "Q3 spend"},
	{ID: "a2", Code: "HR-2", Title: "Hiring"},
	{ID: "a3", Code: "OPS-3", Title: "Office move"},
}

func TestAgendaLine(t *testing.T) {
	assert.Equal(t, "a1 | FIN-1 - Budget — Q3 spend", AgendaLine(testAgenda[0]))
	assert.Equal(t, "a2 | HR-2 - Hiring", AgendaLine(testAgenda[1]))
}

func TestSummarize_MergesChunksInOrder(t *testing.T) {
	llm := new(MockCompleter)
	llm.On("CompleteJSON", mock.Anything, promptHas("excerpt 1 of 3"), mock.Anything).
		Run(replyNotes(
			agendaItemNote{AgendaItemID: "a1", Notes: "Budget approved for Q3."},
			agendaItemNote{AgendaItemID: "a2", Notes: ""},
		)).Return(nil).Once()
	llm.On("CompleteJSON", mock.Anything, promptHas("excerpt 2 of 3"), mock.Anything).
		Run(replyNotes(
			agendaItemNote{AgendaItemID: "a1", Notes: ""},
			agendaItemNote{AgendaItemID: "a2", Notes: "Hiring plan delayed."},
			agendaItemNote{AgendaItemID: "unknown", Notes: "stray"},
		)).Return(nil).Once()
	llm.On("CompleteJSON", mock.Anything, promptHas("excerpt 3 of 3"), mock.Anything).
		Run(replyNotes(
			agendaItemNote{AgendaItemID: "a1", Notes: "Budget approved for Q3. Finance to circulate."},
		)).Return(nil).Once()

	transcript := strings.Join([]string{
		strings.Repeat("a", 20),
		strings.Repeat("b", 20),
		strings.Repeat("c", 20),
	}, "\n\n")

	s := NewSummarizer(llm, logging.NewNopLogger(), 30, 10)
	notes, err := s.Summarize(context.Background(), testAgenda, transcript)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"a1": "Budget approved for Q3. Finance to circulate.",
		"a2": "Hiring plan delayed.",
		"a3": "",
	}, notes)
	llm.AssertExpectations(t)
}

func TestSummarize_PromptListsAgenda(t *testing.T) {
	llm := new(MockCompleter)
	llm.On("CompleteJSON", mock.Anything, mock.MatchedBy(func(req StructuredRequest) bool {
		return req.Operation == OpSummarize &&
			req.Schema != nil &&
			strings.Contains(req.Prompt, "a1 | FIN-1 - Budget — Q3 spend") &&
			strings.Contains(req.Prompt, "a3 | OPS-3 - Office move") &&
			strings.Contains(req.Prompt, "We agreed to move in May.")
	}), mock.Anything).Run(replyNotes()).Return(nil).Once()

	s := NewSummarizer(llm, logging.NewNopLogger(), 0, 0)
	_, err := s.Summarize(context.Background(), testAgenda, "We agreed to move in May.")
	require.NoError(t, err)
	llm.AssertExpectations(t)
}

func TestSummarize_ParseErrorYieldsEmptyNotes(t *testing.T) {
	llm := new(MockCompleter)
	llm.On("CompleteJSON", mock.Anything, mock.Anything, mock.Anything).
		Return(&merrors.ParseError{Stage: OpSummarize, Raw: "not json", Cause: errors.New("invalid character")})

	s := NewSummarizer(llm, logging.NewNopLogger(), 0, 0)
	notes, err := s.Summarize(context.Background(), testAgenda, "Some discussion.")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a1": "", "a2": "", "a3": ""}, notes)
}

func TestSummarize_ProviderErrorFails(t *testing.T) {
	llm := new(MockCompleter)
	llm.On("CompleteJSON", mock.Anything, mock.Anything, mock.Anything).
		Return(&merrors.ProviderError{Provider: "openai", Op: OpSummarize, StatusCode: 401, Message: "bad key"})

	s := NewSummarizer(llm, logging.NewNopLogger(), 0, 0)
	_, err := s.Summarize(context.Background(), testAgenda, "Some discussion.")
	require.Error(t, err)

	var provErr *merrors.ProviderError
	assert.True(t, errors.As(err, &provErr))
	assert.Contains(t, err.Error(), "chunk 1/1")
}

func TestSummarizeChunk_KeepsTraceContext(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)

	llm := &MockCompleter{}
	llm.On("CompleteJSON", mock.MatchedBy(func(ctx context.Context) bool {
		return trace.SpanContextFromContext(ctx).TraceID() == parent.TraceID()
	}), mock.Anything, mock.Anything).Run(replyNotes(agendaItemNote{AgendaItemID: "a1", Notes: "- Agreed"})).Return(nil).Once()

	notes, err := NewSummarizer(llm, logging.NewNopLogger(), 0, 0).SummarizeChunk(ctx, testAgenda, "budget talk", 0, 1)

	require.NoError(t, err)
	assert.Equal(t, "- Agreed", notes["a1"])
	llm.AssertExpectations(t)
}
