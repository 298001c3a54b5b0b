// Package sandboxgw defines the Sandbox Gateway boundary: the external
// collaborator providing cloud code execution and web browsing used by the
// fallback sandbox_code_interpreter and sandbox_browser tools.
//
// Grounded on spec.md §1/§4.8's framing of the Sandbox Gateway as a plain
// call/poll external collaborator; the teacher's nexus-rpc-based
// cross-namespace async operation machinery has no host once the durable
// workflow engine is dropped (see DESIGN.md), so this boundary is a direct
// HTTP client instead.
package sandboxgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// ExecResult is the outcome of a sandboxed code execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Client is the Sandbox Gateway boundary contract.
type Client interface {
	// Search performs a web search and returns ranked results.
	Search(ctx context.Context, query string) ([]SearchResult, error)
	// Fetch retrieves the textual content of a URL.
	Fetch(ctx context.Context, url string) (string, error)
	// Exec runs code in an isolated sandbox instance and returns its output.
	Exec(ctx context.Context, language, code string) (ExecResult, error)
	// Close releases any sandbox instances opened by this client, used on
	// shutdown and on task cancellation.
	Close(ctx context.Context) error
}

// HTTPClient is a minimal net/http-backed Client implementation: each
// operation is a single POST against a configured base URL, matching the
// "reached over a simple call/poll contract" framing.
type HTTPClient struct {
	BaseURL    string
	HTTP       *http.Client
	instancesMu openInstances
}

type openInstances struct {
	ids []string
}

// NewHTTPClient constructs an HTTPClient against baseURL. A nil httpClient
// defaults to a new http.Client with a 60s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{BaseURL: baseURL, HTTP: httpClient}
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandboxgw: %s returned %d: %s", path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Search performs a web search against the sandbox gateway's search endpoint.
func (c *HTTPClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := c.post(ctx, "/search", map[string]string{"query": query}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Fetch retrieves a URL's textual content through the sandbox gateway.
func (c *HTTPClient) Fetch(ctx context.Context, url string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.post(ctx, "/fetch", map[string]string{"url": url}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// Exec runs code in a sandbox instance, recording the opened instance id for
// Close.
func (c *HTTPClient) Exec(ctx context.Context, language, code string) (ExecResult, error) {
	var out struct {
		InstanceID string     `json:"instance_id"`
		Result     ExecResult `json:"result"`
	}
	if err := c.post(ctx, "/exec", map[string]string{"language": language, "code": code}, &out); err != nil {
		return ExecResult{}, err
	}
	if out.InstanceID != "" {
		c.instancesMu.ids = append(c.instancesMu.ids, out.InstanceID)
	}
	return out.Result, nil
}

// Close releases every instance opened by Exec calls on this client.
func (c *HTTPClient) Close(ctx context.Context) error {
	var firstErr error
	for _, id := range c.instancesMu.ids {
		if err := c.post(ctx, "/instances/"+id+"/release", nil, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.instancesMu.ids = nil
	return firstErr
}

// ErrNotConfigured is returned by a no-op Client when no Sandbox Gateway is
// configured; the fallback tools surface this as a tool error to the model.
var ErrNotConfigured = errors.New("sandboxgw: no sandbox gateway configured")

// InstanceLister is satisfied by a Client that can report which sandbox
// instances it currently has open, so a caller writing spec.md §6's
// recovery file on unclean shutdown knows what to list. HTTPClient
// implements this.
type InstanceLister interface {
	OpenInstances() []string
}

// OpenInstances returns the ids of sandbox instances opened by Exec calls on
// this client that have not yet been released by Close.
func (c *HTTPClient) OpenInstances() []string {
	return append([]string(nil), c.instancesMu.ids...)
}
