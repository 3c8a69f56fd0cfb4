// Package client provides a small Go SDK for talking to one searchd
// node's HTTP API: document CRUD plus cluster introspection
// (membership, endpoint resolution, raft status).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to exactly one node. It does not itself route across
// shards or follow the resolver's candidate list — that is the HTTP
// API's job server-side; a caller wanting multi-node routing issues a
// Resolve call first and points a second Client at the winning
// endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client against baseURL (e.g. "http://localhost:8880").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// DocResponse is returned by AddDocument/ReplaceDocument/GetDocument.
type DocResponse struct {
	ID    uint64   `json:"id"`
	Shard int      `json:"shard"`
	Terms []string `json:"terms,omitempty"`
}

// AddDocument indexes fields as a new document in index and returns
// its assigned shard-qualified docid.
func (c *Client) AddDocument(ctx context.Context, index string, fields map[string]any) (*DocResponse, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/index/%s/doc", c.baseURL, index), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return decodeDoc(c.httpClient.Do(req))
}

// ReplaceDocument overwrites the fields of an existing document.
func (c *Client) ReplaceDocument(ctx context.Context, index string, id uint64, fields map[string]any) (*DocResponse, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/index/%s/doc/%d", c.baseURL, index, id), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return decodeDoc(c.httpClient.Do(req))
}

// GetDocument fetches a document's indexed term list.
func (c *Client) GetDocument(ctx context.Context, index string, id uint64) (*DocResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/index/%s/doc/%d", c.baseURL, index, id), nil)
	if err != nil {
		return nil, err
	}
	return decodeDoc(c.httpClient.Do(req))
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, index string, id uint64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/index/%s/doc/%d", c.baseURL, index, id), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// ClusterNodes returns the raw JSON body of GET /cluster/nodes — the
// gossip-discovered membership table.
func (c *Client) ClusterNodes(ctx context.Context) (string, error) {
	return c.GetRaw(ctx, "/cluster/nodes")
}

// ResolveEndpoint returns the raw JSON body of GET /cluster/resolve/:path.
func (c *Client) ResolveEndpoint(ctx context.Context, path string) (string, error) {
	return c.GetRaw(ctx, "/cluster/resolve/"+path)
}

// RaftStatus returns the raw JSON body of GET /cluster/raft/:region.
func (c *Client) RaftStatus(ctx context.Context, region uint16) (string, error) {
	return c.GetRaw(ctx, fmt.Sprintf("/cluster/raft/%d", region))
}

func decodeDoc(resp *http.Response, err error) (*DocResponse, error) {
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result DocResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = fmt.Errorf("document not found")

// APIError carries the HTTP status and message text from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
