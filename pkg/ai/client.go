// Package ai talks to an OpenAI-compatible provider for speech-to-text and
// schema-constrained chat completions, and builds the meeting summarizer,
// action-item extractor and session transcriber on top of it.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
	"github.com/otherjamesbrown/minutes-admin/pkg/retry"
)

const providerName = "openai"

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 2048

// Operations, used as metric labels and parse-error stages.
const (
	OpTranscribe     = "transcribe"
	OpSummarize      = "summarize"
	OpExtractActions = "extract_actions"
)

// Config configures the provider client.
type Config struct {
	APIKey             string
	BaseURL            string
	Model              string
	TranscriptionModel string
	Timeout            time.Duration
	Retry              retry.Policy
}

// StructuredRequest is a chat completion whose reply must match Schema.
type StructuredRequest struct {
	Operation  string
	System     string
	Prompt     string
	SchemaName string
	Schema     *jsonschema.Schema
}

// Completer returns a schema-constrained completion decoded into target.
type Completer interface {
	CompleteJSON(ctx context.Context, req StructuredRequest, target interface{}) error
}

// Speech turns one audio segment into text.
type Speech interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Client is an OpenAI-compatible HTTP client. Every call is wrapped in the
// configured retry policy.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     logging.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

var (
	_ Completer = (*Client)(nil)
	_ Speech    = (*Client)(nil)
)

// NewClient creates a provider client. metrics may be nil.
func NewClient(cfg Config, logger logging.Logger, metrics *observability.Metrics) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(logging.F("component", "ai_client")),
		metrics:    metrics,
		tracer:     observability.NewTracer(),
	}
}

// policy returns the retry policy with retry logging and metrics attached.
// Retry logs carry the session id found on ctx.
func (c *Client) policy(ctx context.Context, op string) retry.Policy {
	p := c.cfg.Retry
	log := c.logger.WithContext(ctx)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.metrics.RecordAIRetry(op)
		log.Warn("retrying provider call",
			logging.F("operation", op),
			logging.F("attempt", attempt),
			logging.F("delay", delay.String()),
			logging.Err(err))
	}
	return p
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string             `json:"name"`
	Strict bool               `json:"strict"`
	Schema *jsonschema.Schema `json:"schema"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float32         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// CompleteJSON sends a structured request and decodes the reply into target.
// A reply that does not decode is a *merrors.ParseError and is not retried.
func (c *Client) CompleteJSON(ctx context.Context, req StructuredRequest, target interface{}) error {
	ctx, span := c.tracer.StartLLMSpan(ctx, req.Operation, c.cfg.Model)
	defer span.End()
	helper := observability.NewSpanHelper(span)

	content, err := retry.Do(ctx, c.policy(ctx, req.Operation), func(ctx context.Context) (string, error) {
		return c.complete(ctx, req)
	})
	if err == nil {
		err = decodeJSON(req.Operation, content, target)
	}
	if err != nil {
		pe := merrors.ClassifyError(err, req.Operation)
		helper.SetError(err, string(pe.Code), merrors.IsRetryable(pe.Code))
		return err
	}
	helper.SetSuccess()
	return nil
}

func (c *Client) complete(ctx context.Context, req StructuredRequest) (string, error) {
	start := time.Now()
	content, err := c.doComplete(ctx, req)
	c.record(req.Operation, start, err)
	return content, err
}

func (c *Client) doComplete(ctx context.Context, req StructuredRequest) (string, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: 0.1,
	}
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaFormat{
				Name:   req.SchemaName,
				Strict: true,
				Schema: req.Schema,
			},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, err := c.send(httpReq, req.Operation)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", &merrors.ParseError{Stage: req.Operation, Raw: string(respBody), Cause: err}
	}
	if len(resp.Choices) == 0 {
		return "", &merrors.ParseError{Stage: req.Operation, Raw: string(respBody), Cause: fmt.Errorf("no choices in response")}
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		return "", &merrors.ParseError{Stage: req.Operation, Raw: choice.Message.Content, Cause: fmt.Errorf("response truncated at max tokens")}
	}
	return choice.Message.Content, nil
}

// Transcribe sends one audio segment to the speech-to-text endpoint.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	ctx, span := c.tracer.StartLLMSpan(ctx, OpTranscribe, c.cfg.TranscriptionModel)
	defer span.End()

	text, err := retry.Do(ctx, c.policy(ctx, OpTranscribe), func(ctx context.Context) (string, error) {
		start := time.Now()
		text, err := c.doTranscribe(ctx, audio, filename)
		c.record(OpTranscribe, start, err)
		return text, err
	})
	if err != nil {
		pe := merrors.ClassifyError(err, OpTranscribe)
		observability.NewSpanHelper(span).SetError(err, string(pe.Code), merrors.IsRetryable(pe.Code))
		return "", err
	}
	return text, nil
}

func (c *Client) doTranscribe(ctx context.Context, audio []byte, filename string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", c.cfg.TranscriptionModel); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("failed to write format field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create transcription request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	respBody, err := c.send(httpReq, OpTranscribe)
	if err != nil {
		return "", err
	}

	var resp transcriptionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", &merrors.ParseError{Stage: OpTranscribe, Raw: string(respBody), Cause: err}
	}
	return resp.Text, nil
}

// send executes the request and returns the body of a 2xx response.
// Transport failures and non-2xx statuses become *merrors.ProviderError.
func (c *Client) send(req *http.Request, op string) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &merrors.ProviderError{Provider: providerName, Op: op, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &merrors.ProviderError{Provider: providerName, Op: op, StatusCode: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &merrors.ProviderError{
			Provider:   providerName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}
	return body, nil
}

func (c *Client) record(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = string(merrors.ClassifyError(err, op).Code)
	}
	c.metrics.RecordAIOperation(op, status, time.Since(start).Seconds())
}

func errorMessage(body []byte) string {
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg
}

// decodeJSON unmarshals a model reply, tolerating markdown code fences.
func decodeJSON(op, content string, target interface{}) error {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if err := json.Unmarshal([]byte(cleaned), target); err != nil {
		return &merrors.ParseError{Stage: op, Raw: content, Cause: err}
	}
	return nil
}
