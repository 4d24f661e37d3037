package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/baristack/posgo/internal/config"
)

// Envelope is the JSON shape every remote response uses.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// APIError is an application-level failure: the remote system was
// reachable and answered, but rejected the request. Anything else
// returned by the client is a transport (network) error.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote api error: %s", e.Message)
}

// IsAPIError reports whether err is (or wraps) an application-level
// remote failure rather than a transport failure.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// Client talks to the remote POS API: the paginated "changes since"
// catalog queries and the mutation dispatch endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	HttpClient *http.Client
}

// NewClient creates a remote API client from config.
func NewClient(cfg config.RemoteConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		HttpClient: &http.Client{Timeout: timeout},
	}
}

// FetchChanges pulls one catalog batch: records of a collection with
// updated_at strictly greater than updatedAfter, ascending, at most
// limit rows. An empty updatedAfter fetches from the beginning.
func (c *Client) FetchChanges(ctx context.Context, collection, updatedAfter string, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("order", "updated_at.asc")
	q.Set("limit", strconv.Itoa(limit))
	if updatedAfter != "" {
		q.Set("updated_after", updatedAfter)
	}

	endpoint := fmt.Sprintf("%s/catalog/%s?%s", c.baseURL, collection, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}

	envelope, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode %s batch: %w", collection, err)
		}
	}
	return rows, nil
}

// Dispatch sends one mutation to the remote API and returns the
// envelope's data on success. An envelope with success=false comes back
// as *APIError, exactly like a non-2xx response.
func (c *Client) Dispatch(ctx context.Context, endpoint, method string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build mutation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	envelope, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

// Health probes the remote API. Used by the connectivity monitor.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// do executes a request and decodes the response envelope.
func (c *Client) do(req *http.Request) (*Envelope, error) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		// Transport failure: DNS, refused connection, timeout. The
		// caller retries these on the next pass.
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed response: %.200s", raw)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.Success {
		msg := envelope.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}

	return &envelope, nil
}
