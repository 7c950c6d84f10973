// Package notify delivers rendered minutes to meeting attendees by email.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/retry"
)

const mailProvider = "resend"

// DefaultMailBaseURL is the Resend API root.
const DefaultMailBaseURL = "https://api.resend.com"

// Attachment is a file sent with a message.
type Attachment struct {
	Filename    string
	Content     []byte
	ContentType string
}

// Message is one outgoing email. All recipients share the message.
type Message struct {
	From        string
	To          []string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// Mailer sends a message and returns the provider's message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// MailConfig configures the HTTP mail client.
type MailConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Retry   retry.Policy
}

// MailClient sends email through the Resend HTTP API.
type MailClient struct {
	cfg        MailConfig
	httpClient *http.Client
	logger     logging.Logger
}

var _ Mailer = (*MailClient)(nil)

// NewMailClient creates a mail client.
func NewMailClient(cfg MailConfig, logger logging.Logger) *MailClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultMailBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MailClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(logging.F("component", "mail_client")),
	}
}

type emailAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

type emailRequest struct {
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text,omitempty"`
	HTML        string            `json:"html,omitempty"`
	Attachments []emailAttachment `json:"attachments,omitempty"`
}

type emailResponse struct {
	ID string `json:"id"`
}

type mailErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Send posts msg to /emails. Transient failures are retried per the policy.
func (c *MailClient) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", fmt.Errorf("message has no recipients: %w", merrors.ErrValidation)
	}

	req := emailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	}
	for _, a := range msg.Attachments {
		req.Attachments = append(req.Attachments, emailAttachment{
			Filename:    a.Filename,
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			ContentType: a.ContentType,
		})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal email: %w", err)
	}

	policy := c.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("retrying email send",
			logging.F("attempt", attempt),
			logging.F("delay", delay.String()),
			logging.Err(err))
	}

	return retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return c.post(ctx, payload)
	})
}

func (c *MailClient) post(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &merrors.ProviderError{Provider: mailProvider, Op: "send", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &merrors.ProviderError{Provider: mailProvider, Op: "send", StatusCode: resp.StatusCode, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		var apiErr mailErrorBody
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return "", &merrors.ProviderError{Provider: mailProvider, Op: "send", StatusCode: resp.StatusCode, Message: msg}
	}

	// The provider accepted the message; an unreadable body only loses the id.
	var out emailResponse
	if err := json.Unmarshal(body, &out); err != nil {
		c.logger.WithContext(ctx).Warn("email accepted without a readable message id",
			logging.F("status", resp.StatusCode),
			logging.Err(err))
		return "", nil
	}
	return out.ID, nil
}
