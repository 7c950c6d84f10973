package ai

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
)

// ActionItemActor is recorded on the audit row of every extracted task.
const ActionItemActor = "ai"

const actionItemsSystemPrompt = `You extract action items from a meeting transcript.
Return every concrete follow-up someone agreed to do. Use the person's name as owner, or an empty string when nobody was named.
dueDate must be a calendar date in YYYY-MM-DD format, or null when no date was stated.
priority is one of High, Normal, Low, or null when not clear.`

type rawActionItem struct {
	Title    string  `json:"title"`
	Owner    string  `json:"owner"`
	DueDate  *string `json:"dueDate" jsonschema_description:"YYYY-MM-DD or null"`
	Priority *string `json:"priority" jsonschema:"enum=High,enum=Normal,enum=Low"`
}

type actionItemsResponse struct {
	Items []rawActionItem `json:"items"`
}

var actionItemsSchema = func() *jsonschema.Schema {
	s := SchemaFor(&actionItemsResponse{})
	if items, ok := s.Properties.Get("items"); ok {
		Nullable(items.Items, "dueDate", "priority")
	}
	return s
}()

var dueDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ActionItem is a normalized extracted follow-up.
type ActionItem struct {
	Title    string
	Owner    string
	DueDate  *time.Time
	Priority minutes.Priority
}

// NormalizeDueDate accepts only a valid YYYY-MM-DD calendar date.
func NormalizeDueDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if !dueDatePattern.MatchString(v) {
		return nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil
	}
	return &t
}

// NormalizePriority maps a model priority onto High, Normal or Low.
// Anything else, including a missing value, becomes Normal.
func NormalizePriority(s *string) minutes.Priority {
	if s == nil {
		return minutes.PriorityNormal
	}
	p := minutes.Priority(cases.Title(language.Und).String(strings.TrimSpace(*s)))
	switch p {
	case minutes.PriorityHigh, minutes.PriorityNormal, minutes.PriorityLow:
		return p
	}
	return minutes.PriorityNormal
}

// Extractor turns a transcript into Kanban tasks.
type Extractor struct {
	llm     Completer
	store   minutes.Store
	logger  logging.Logger
	metrics *observability.Metrics
}

// NewExtractor creates an action-item extractor. metrics may be nil.
func NewExtractor(llm Completer, store minutes.Store, logger logging.Logger, metrics *observability.Metrics) *Extractor {
	return &Extractor{
		llm:     llm,
		store:   store,
		logger:  logger.With(logging.F("component", "action_items")),
		metrics: metrics,
	}
}

// Extract asks the model for action items over the whole transcript.
func (e *Extractor) Extract(ctx context.Context, transcript string) ([]ActionItem, error) {
	var resp actionItemsResponse
	err := e.llm.CompleteJSON(ctx, StructuredRequest{
		Operation:  OpExtractActions,
		System:     actionItemsSystemPrompt,
		Prompt:     "Transcript:\n" + transcript,
		SchemaName: "action_items",
		Schema:     actionItemsSchema,
	}, &resp)
	if err != nil {
		return nil, err
	}

	items := make([]ActionItem, 0, len(resp.Items))
	for _, raw := range resp.Items {
		title := strings.TrimSpace(raw.Title)
		if title == "" {
			continue
		}
		items = append(items, ActionItem{
			Title:    title,
			Owner:    strings.TrimSpace(raw.Owner),
			DueDate:  NormalizeDueDate(raw.DueDate),
			Priority: NormalizePriority(raw.Priority),
		})
	}
	return items, nil
}

// ExtractAndStore extracts action items and files them as open tasks in the
// Action Items column, creating the column on first use. It never fails:
// every error is logged and the number of stored tasks is returned.
func (e *Extractor) ExtractAndStore(ctx context.Context, sess *minutes.Session, transcript string) int {
	log := e.logger.With(logging.F("session_id", sess.ID))

	items, err := e.Extract(ctx, transcript)
	if err != nil {
		log.Warn("action item extraction failed", logging.Err(err))
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	col, err := e.store.EnsureTaskColumn(ctx, minutes.ActionItemsColumn)
	if err != nil {
		log.Warn("failed to ensure action items column", logging.Err(err))
		return 0
	}

	tasks := make([]minutes.Task, 0, len(items))
	for _, item := range items {
		tasks = append(tasks, minutes.Task{
			MeetingID: sess.MeetingID,
			SessionID: sess.ID,
			ColumnID:  col.ID,
			Title:     item.Title,
			Owner:     item.Owner,
			DueDate:   item.DueDate,
			Priority:  item.Priority,
			Status:    minutes.TaskStatusOpen,
			Notes:     minutes.ActionItemNote,
		})
	}
	if err := e.store.InsertTasks(ctx, tasks, ActionItemActor); err != nil {
		log.Warn("failed to insert action items", logging.Err(err), logging.F("count", len(tasks)))
		return 0
	}

	e.metrics.RecordActionItems(len(tasks))
	log.Info("action items stored", logging.F("count", len(tasks)))
	return len(tasks)
}
