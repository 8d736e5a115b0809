// Package fulfillment invokes the downstream fulfillment collaborator for
// paid orders.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError carries a non-2xx response from the fulfillment endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fulfillment returned status %d: %s", e.Code, e.Body)
}

// StatusCode returns the HTTP status code for retry classification.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// Request identifies the paid order to fulfill. Either the session id or the
// payment intent id is set, whichever the triggering event carried.
type Request struct {
	SessionID       string `json:"sessionId,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	OrderID         string `json:"orderId,omitempty"`
}

// Client performs a single HTTP call to the fulfillment endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a fulfillment client with a per-call timeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Call posts the fulfillment request once. Non-2xx responses come back as a
// StatusError so callers can distinguish retryable server errors from
// permanent client errors.
func (c *Client) Call(ctx context.Context, request Request) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode fulfillment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build fulfillment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call fulfillment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Cap the body; it only feeds logs and last_error columns.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	return nil
}
