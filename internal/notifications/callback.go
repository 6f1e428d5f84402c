package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/observability"
)

// CallbackChannel POSTs the completion payload as JSON to an external endpoint.
// A task type's own callback URL wins over the default.
type CallbackChannel struct {
	defaultURL string
	client     *http.Client
}

// NewCallbackChannel creates a callback channel. defaultURL may be empty, in
// which case only Sites whose task type configures a callback are delivered.
func NewCallbackChannel(defaultURL string, client *http.Client) *CallbackChannel {
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: observability.WrapTransport(nil),
		}
	}
	return &CallbackChannel{defaultURL: defaultURL, client: client}
}

// Name returns the channel name
func (c *CallbackChannel) Name() string {
	return "callback"
}

// Deliver sends the completion to the callback endpoint. 4xx responses other
// than 408 and 429 are not retried.
func (c *CallbackChannel) Deliver(ctx context.Context, n *Completion) error {
	endpoint := n.CallbackURL
	if endpoint == "" {
		endpoint = c.defaultURL
	}
	if endpoint == "" {
		return ErrSkipped
	}

	body, err := json.Marshal(n)
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode callback payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("failed to build callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "crawl-coordinator")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err = fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}
