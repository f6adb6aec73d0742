// Package portalsync delivers committed ledger changes to the portal.
package portalsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
)

// ErrDelivery marks a failed portal call.
var ErrDelivery = errors.New("portalsync: delivery failed")

// DeliveryError describes one failed delivery attempt.
type DeliveryError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("portalsync: portal returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("portalsync: %v", e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDelivery}
	}
	return []error{ErrDelivery, e.Err}
}

// IsRetryable reports whether err is worth another attempt. Unknown errors
// are treated as transient.
func IsRetryable(err error) bool {
	var delivery *DeliveryError
	if errors.As(err, &delivery) {
		return delivery.Retryable
	}
	return err != nil
}

// Client calls the portal's sync API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type syncPayload struct {
	EventID     string    `json:"eventId"`
	Kind        string    `json:"kind"`
	ProductID   string    `json:"productId"`
	VendorID    string    `json:"vendorId"`
	Quantity    *int64    `json:"quantity,omitempty"`
	NewQuantity *int64    `json:"newQuantity,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func endpointFor(kind inventory.MutationKind) (string, error) {
	switch kind {
	case inventory.MutationReplenish:
		return "/api/sync/refill", nil
	case inventory.MutationCorrect:
		return "/api/sync/audit", nil
	case inventory.MutationConsume:
		return "/api/sync/sale", nil
	default:
		return "", fmt.Errorf("portalsync: unsupported kind %q", kind)
	}
}

func payloadFor(evt inventory.SyncEvent) syncPayload {
	qty := evt.Quantity
	payload := syncPayload{
		EventID:   evt.ID,
		Kind:      string(evt.Kind),
		ProductID: evt.ProductID,
		VendorID:  evt.VendorID,
		Reason:    evt.Reason,
		Timestamp: evt.OccurredAt,
	}
	if evt.Kind == inventory.MutationCorrect {
		payload.NewQuantity = &qty
	} else {
		payload.Quantity = &qty
	}
	return payload
}

// Send posts one event. The event id travels as Idempotency-Key so the portal
// can drop redelivered events.
func (c *Client) Send(ctx context.Context, evt inventory.SyncEvent) error {
	path, err := endpointFor(evt.Kind)
	if err != nil {
		return &DeliveryError{Retryable: false, Err: err}
	}
	body, err := json.Marshal(payloadFor(evt))
	if err != nil {
		return &DeliveryError{Retryable: false, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(inventory.APIKeyHeader, c.apiKey)
	req.Header.Set("Idempotency-Key", evt.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Retryable: true, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{StatusCode: resp.StatusCode, Retryable: retryableStatus(resp.StatusCode)}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
