package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keybeat/keybeat/internal/boot"
)

// TokenSource yields a valid bearer credential for each request. The
// credential lifecycle manager implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client speaks the path-addressed document store's REST contract:
// GET for reads (optionally with a version token), PATCH for
// unconditional merges, conditional PUT for version-checked replaces,
// and a persistent event-stream request per watched path.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	stream  *http.Client
}

func New(config *boot.Config, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(config.StoreURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: 15 * time.Second},
		// streaming connections are held open indefinitely
		stream: &http.Client{},
	}
}

func (c *Client) endpoint(ctx context.Context, path string) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("obtaining credential: %w", err)
	}
	return fmt.Sprintf("%s/%s.json?auth=%s", c.baseURL, strings.Trim(path, "/"), url.QueryEscape(token)), nil
}

// Get reads the current value at path. A missing document decodes as
// JSON null.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	endpoint, err := c.endpoint(ctx, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building get request: %w", err)
	}
	body, _, err := c.do(req, false)
	return body, err
}

// GetWithVersion reads the value at path along with its opaque version
// token, usable as a precondition for PutIfVersion.
func (c *Client) GetWithVersion(ctx context.Context, path string) (json.RawMessage, string, error) {
	endpoint, err := c.endpoint(ctx, path)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building get request: %w", err)
	}
	req.Header.Set("X-Firebase-ETag", "true")
	body, version, err := c.do(req, false)
	return body, version, err
}

// Merge shallow-merges fields into the document at path. A null field
// value deletes that field.
func (c *Client) Merge(ctx context.Context, path string, fields map[string]any) error {
	endpoint, err := c.endpoint(ctx, path)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshalling merge fields: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building merge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, _, err = c.do(req, false)
	return err
}

// PutIfVersion replaces the document at path only if its stored
// version still matches. A stale version reports (false, nil), a
// distinguishable conflict outcome rather than an error, and leaves
// the document untouched.
func (c *Client) PutIfVersion(ctx context.Context, path string, doc any, version string) (bool, error) {
	endpoint, err := c.endpoint(ctx, path)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("marshalling document: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("building conditional put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("if-match", version)
	_, _, err = c.do(req, true)
	if err == errVersionConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the document at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	endpoint, err := c.endpoint(ctx, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	_, _, err = c.do(req, false)
	return err
}

// Stream opens the long-lived event-stream request for path. The
// returned body emits event:/data: pairs until the connection drops or
// ctx is cancelled; the caller owns closing it.
func (c *Client) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	endpoint, err := c.endpoint(ctx, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("opening stream: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

var errVersionConflict = fmt.Errorf("version conflict")

func (c *Client) do(req *http.Request, conditional bool) (json.RawMessage, string, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if conditional && resp.StatusCode == http.StatusPreconditionFailed {
		return nil, "", errVersionConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading response: %w", err)
	}
	return body, resp.Header.Get("ETag"), nil
}
