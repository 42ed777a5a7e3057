// Package callback delivers a single tool result to the upstream
// callback sink with retry and a one-time 400 compatibility fallback,
// adapted from the teacher's webhook dispatcher worker/backoff
// pattern and re-targeted at §4.J's single-POST contract.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// Client posts a tool result to …/callbacks/{callback_id}.
type Client struct {
	BaseURL      string
	ServiceToken string
	UserID       string
	ProjectID    string
	HTTPClient   *http.Client
	MaxAttempts  int
}

// NewClient builds a Client with the teacher's 3-attempt default.
func NewClient(baseURL, serviceToken, userID, projectID string) *Client {
	return &Client{
		BaseURL:      baseURL,
		ServiceToken: serviceToken,
		UserID:       userID,
		ProjectID:    projectID,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		MaxAttempts:  3,
	}
}

// Deliver implements eventpump.Callback. Failure is logged by the
// caller and never blocks cursor advance — this method only returns
// an error so the caller can log it.
func (c *Client) Deliver(ctx context.Context, callbackID string, result json.RawMessage) error {
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	payload := result
	fallbackUsed := false
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := c.post(ctx, callbackID, payload)
		if err == nil {
			if status < 300 {
				return nil
			}
			if status == http.StatusBadRequest && !fallbackUsed {
				fallbackUsed = true
				wrapped, werr := json.Marshal(map[string]any{"result": json.RawMessage(result)})
				if werr == nil {
					payload = wrapped
				}
				continue // retry immediately with the wrapped payload, not counted against backoff
			}
			if status < 500 {
				return fmt.Errorf("callback: status %d is final", status)
			}
			lastErr = fmt.Errorf("callback: status %d", status)
		} else {
			lastErr = err
		}

		if attempt < maxAttempts {
			backoff := time.Duration(300*attempt)*time.Millisecond + time.Duration(rand.Intn(200))*time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	slog.Warn("callback: delivery failed after retries", "callback_id", callbackID, "err", lastErr)
	return lastErr
}

func (c *Client) post(ctx context.Context, callbackID string, payload json.RawMessage) (int, error) {
	url := fmt.Sprintf("%s/callbacks/%s", c.BaseURL, callbackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", c.UserID)
	req.Header.Set("X-Project-Id", c.ProjectID)
	if c.ServiceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.ServiceToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
