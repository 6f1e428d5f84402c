package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	emailverifier "github.com/AfterShip/email-verifier"
	"github.com/Harvey-AU/crawl-coordinator/internal/loops"
)

var verifier = emailverifier.NewVerifier()

// EmailChannel sends a Loops transactional email to operators for every Site
// that finishes unsuccessfully
type EmailChannel struct {
	client     *loops.Client
	templateID string
	recipients []string
}

// NewEmailChannel creates an email alert channel. Recipients are checked for
// syntax only; no mail server is contacted.
func NewEmailChannel(client *loops.Client, templateID string, recipients []string) (*EmailChannel, error) {
	if client == nil {
		return nil, fmt.Errorf("loops client is required")
	}
	if templateID == "" {
		return nil, fmt.Errorf("transactional template ID is required")
	}

	cleaned := make([]string, 0, len(recipients))
	for _, raw := range recipients {
		addr := strings.ToLower(strings.TrimSpace(raw))
		if addr == "" {
			continue
		}
		if !verifier.ParseAddress(addr).Valid {
			return nil, fmt.Errorf("invalid alert email address %q", addr)
		}
		cleaned = append(cleaned, addr)
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("at least one alert email address is required")
	}

	return &EmailChannel{client: client, templateID: templateID, recipients: cleaned}, nil
}

// Name returns the channel name
func (c *EmailChannel) Name() string {
	return "email"
}

// Deliver emails each recipient. The idempotency key is stable per completion
// so a retried delivery does not mail recipients that already got it.
func (c *EmailChannel) Deliver(ctx context.Context, n *Completion) error {
	if n.Succeeded() {
		return ErrSkipped
	}

	vars := map[string]any{
		"site_url":  n.URL,
		"site_id":   n.SiteID,
		"task_type": n.TaskType,
		"outcome":   n.Outcome,
		"status":    n.Status,
		"worker":    n.WorkerIdentifier,
		"message":   n.Message,
	}

	var errs []error
	permanent := true
	for _, addr := range c.recipients {
		err := c.client.SendTransactional(ctx, &loops.TransactionalRequest{
			Email:           addr,
			TransactionalID: c.templateID,
			DataVariables:   vars,
			IdempotencyKey:  fmt.Sprintf("%s:%d:%s", n.SiteID, n.FinishedAt.Unix(), addr),
		})
		if err == nil {
			continue
		}
		errs = append(errs, err)

		var apiErr *loops.APIError
		if !errors.As(err, &apiErr) || apiErr.Retryable() {
			permanent = false
		}
	}

	if len(errs) == 0 {
		return nil
	}
	err := fmt.Errorf("email delivery failed for %d of %d recipients: %w", len(errs), len(c.recipients), errors.Join(errs...))
	if permanent {
		return Permanent(err)
	}
	return err
}
