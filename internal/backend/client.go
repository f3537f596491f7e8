// Package backend is the HTTP client for the livesync server. It is the
// single seam between the sync layer and the network: everything else
// consumes the Backend interface.
package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus/livesync/internal/collection"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Backend is the server surface the sync layer depends on. *Client is the
// real implementation; tests substitute fakes.
type Backend interface {
	Query(table, filter, orderBy string, limit int) ([]collection.Record, error)
	Poll(cursor int64, limit int) (*PollResponse, error)
	Mutate(table string, op collection.Op, payload collection.Record, filter string) (*MutateResponse, error)
	HealthCheck() error
}

// Client is an HTTP client for the livesync server.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new backend client.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// WireEvent is a single change notification on the wire.
type WireEvent struct {
	Seq        int64           `json:"seq"`
	Table      string          `json:"table"`
	Op         string          `json:"op"`
	Record     json.RawMessage `json:"record"`
	PrevRecord json.RawMessage `json:"prev_record,omitempty"`
	Timestamp  string          `json:"timestamp"`
}

// Decode converts a wire event into a collection.ChangeEvent.
func (w WireEvent) Decode() (collection.ChangeEvent, error) {
	ev := collection.ChangeEvent{
		Table:      w.Table,
		Op:         collection.Op(w.Op),
		ReceivedAt: time.Now().UTC(),
	}
	if len(w.Record) > 0 {
		if err := json.Unmarshal(w.Record, &ev.Record); err != nil {
			return ev, fmt.Errorf("decode record seq=%d: %w", w.Seq, err)
		}
	}
	if len(w.PrevRecord) > 0 {
		if err := json.Unmarshal(w.PrevRecord, &ev.PrevRecord); err != nil {
			return ev, fmt.Errorf("decode prev record seq=%d: %w", w.Seq, err)
		}
	}
	return ev, nil
}

// PollResponse is the response from a change poll.
type PollResponse struct {
	Events  []WireEvent `json:"events"`
	Cursor  int64       `json:"cursor"`
	HasMore bool        `json:"has_more"`
}

// MutateResponse is the server's answer to a mutation.
type MutateResponse struct {
	Accepted bool              `json:"accepted"`
	Record   collection.Record `json:"record,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
// Doubles as the heartbeat probe.
func (c *Client) HealthCheck() error {
	var resp HealthResponse
	if err := c.doNoAuth("GET", "/healthz", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("health status %q", resp.Status)
	}
	return nil
}

// Query fetches a one-shot ordered snapshot for a table.
func (c *Client) Query(table, filter, orderBy string, limit int) ([]collection.Record, error) {
	params := url.Values{}
	if filter != "" {
		params.Set("filter", filter)
	}
	if orderBy != "" {
		params.Set("order_by", orderBy)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := fmt.Sprintf("/v1/collections/%s", table)
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}

	var resp struct {
		Records []collection.Record `json:"records"`
	}
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Poll fetches change events after the given cursor.
func (c *Client) Poll(cursor int64, limit int) (*PollResponse, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatInt(cursor, 10))
	params.Set("limit", strconv.Itoa(limit))
	if c.DeviceID != "" {
		params.Set("exclude_device", c.DeviceID)
	}

	var resp PollResponse
	if err := c.do("GET", "/v1/changes?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Mutate sends a single write to the server.
func (c *Client) Mutate(table string, op collection.Op, payload collection.Record, filter string) (*MutateResponse, error) {
	body := map[string]any{
		"table":     table,
		"op":        string(op),
		"payload":   payload,
		"device_id": c.DeviceID,
	}
	if filter != "" {
		body["filter"] = filter
	}

	var resp MutateResponse
	if err := c.do("POST", "/v1/mutate", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// do executes an authenticated HTTP request.
func (c *Client) do(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, false)
}

func (c *Client) doRequest(method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
