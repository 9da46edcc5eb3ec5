// Package relayclient talks to the relay endpoint that fronts the remote
// spreadsheet store.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bitacora/internal/domain"
)

// Client is a minimal relay client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	// Timeout applies to the lazily created HTTPClient; zero leaves the
	// transport default.
	Timeout time.Duration
	Now     func() time.Time
}

// New creates a client for the relay URL.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL}
}

const (
	batchType      = "bitacoras"
	pushMediaType  = "text/plain;charset=utf-8"
	maxErrorBody   = 4096
	listAction     = "list"
	DefaultLimit   = 5000
	pingRecordID   = "test"
	contentTypeHdr = "Content-Type"
)

// DeliveryError reports a failed push: a transport failure or a non-2xx
// status.
type DeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("delivery failed: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// FetchError reports a failed or malformed pull.
type FetchError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *FetchError) Error() string {
	msg := "fetch failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status=%d", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

type pushBody struct {
	Type    string `json:"type"`
	Entries any    `json:"entries"`
}

// Push sends entries as one batch. Only the status code of the response is
// checked.
func (c *Client) Push(ctx context.Context, entries []domain.Entry) error {
	if entries == nil {
		entries = []domain.Entry{}
	}
	return c.push(ctx, entries)
}

func (c *Client) push(ctx context.Context, entries any) error {
	data, err := json.Marshal(pushBody{Type: batchType, Entries: entries})
	if err != nil {
		return &DeliveryError{Err: err}
	}
	endpoint, err := c.endpoint(nil)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	status, body, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(data), pushMediaType)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	if status < 200 || status >= 300 {
		return &DeliveryError{StatusCode: status, Body: excerpt(body)}
	}
	return nil
}

type pullBody struct {
	OK      *bool           `json:"ok"`
	Entries json.RawMessage `json:"entries"`
	Error   string          `json:"error"`
}

// Pull lists up to limit remote entries. A body that is not
// {ok:true, entries:[...]} is a protocol violation.
func (c *Client) Pull(ctx context.Context, limit int) ([]domain.Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	endpoint, err := c.endpoint(url.Values{"action": {listAction}, "limit": {strconv.Itoa(limit)}})
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	if status < 200 || status >= 300 {
		return nil, &FetchError{StatusCode: status, Reason: excerpt(body)}
	}
	var resp pullBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &FetchError{StatusCode: status, Reason: "undecodable body", Err: err}
	}
	if resp.OK == nil || !*resp.OK {
		reason := "response not ok"
		if resp.Error != "" {
			reason += ": " + resp.Error
		}
		return nil, &FetchError{StatusCode: status, Reason: reason}
	}
	raw := bytes.TrimSpace(resp.Entries)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, &FetchError{StatusCode: status, Reason: "entries is not an array"}
	}
	var entries []domain.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &FetchError{StatusCode: status, Reason: "undecodable entries", Err: err}
	}
	if entries == nil {
		entries = []domain.Entry{}
	}
	return entries, nil
}

type pingRecord struct {
	ID   string `json:"id"`
	Ping bool   `json:"ping"`
	At   string `json:"at"`
}

// TestConnection pushes a single ping record through the relay.
func (c *Client) TestConnection(ctx context.Context) error {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return c.push(ctx, []pingRecord{{ID: pingRecordID, Ping: true, At: now().UTC().Format(time.RFC3339)}})
}

// Probe is the relay's diagnostic response.
type Probe struct {
	OK       bool          `json:"ok"`
	HasURL   bool          `json:"hasUrl"`
	URL      string        `json:"url,omitempty"`
	Upstream *ProbeResult  `json:"probe,omitempty"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"-"`
	Latency  time.Duration `json:"-"`
}

type ProbeResult struct {
	Status int    `json:"status,omitempty"`
	Sample string `json:"sample,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Probe calls the relay without an action.
func (c *Client) Probe(ctx context.Context) (Probe, error) {
	endpoint, err := c.endpoint(nil)
	if err != nil {
		return Probe{}, &FetchError{Err: err}
	}
	started := time.Now()
	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return Probe{}, &FetchError{Err: err}
	}
	var p Probe
	if err := json.Unmarshal(body, &p); err != nil {
		return Probe{}, &FetchError{StatusCode: status, Reason: "undecodable probe body", Err: err}
	}
	p.Status = status
	p.Latency = time.Since(started)
	return p, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (int, []byte, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set(contentTypeHdr, contentType)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) endpoint(query url.Values) (string, error) {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return "", fmt.Errorf("relay url not configured")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid relay url %q", base)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func excerpt(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
