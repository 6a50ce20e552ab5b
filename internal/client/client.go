// Package client talks to a running graphmem server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lazypower/graphmem/internal/consolidator"
	"github.com/lazypower/graphmem/internal/graph"
	"github.com/lazypower/graphmem/internal/learner"
	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/retriever"
	"github.com/lazypower/graphmem/internal/store"
)

const (
	DefaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 30 * time.Second
)

// Client talks to the graphmem server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL uses GRAPHMEM_URL, then
// DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("GRAPHMEM_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// NodeInput is the body of a create-node request.
type NodeInput struct {
	ID         string         `json:"id,omitempty"`
	Content    string         `json:"content"`
	NodeType   string         `json:"node_type,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Source     string         `json:"source,omitempty"`
}

// OutcomeInput is the body of a learn request.
type OutcomeInput struct {
	ActionID         string         `json:"action_id"`
	Status           string         `json:"status"`
	Confidence       *float64       `json:"confidence,omitempty"`
	CausalNodeIDs    []string       `json:"causal_node_ids"`
	Evidence         map[string]any `json:"evidence,omitempty"`
	RetrievalTraceID string         `json:"retrieval_trace_id,omitempty"`
	DecisionTraceID  string         `json:"decision_trace_id,omitempty"`
}

// StoreNode creates a node.
func (c *Client) StoreNode(ctx context.Context, in NodeInput) (store.Node, error) {
	var n store.Node
	err := c.do(ctx, http.MethodPost, "/api/nodes", in, &n)
	return n, err
}

// GetNode fetches a node by id.
func (c *Client) GetNode(ctx context.Context, id string) (store.Node, error) {
	var n store.Node
	err := c.do(ctx, http.MethodGet, "/api/nodes/"+url.PathEscape(id), nil, &n)
	return n, err
}

// Search ranks nodes by similarity to q.
func (c *Client) Search(ctx context.Context, q string, limit int) ([]graph.RankedNode, error) {
	v := url.Values{"q": {q}}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Results []graph.RankedNode `json:"results"`
	}
	err := c.do(ctx, http.MethodGet, "/api/search?"+v.Encode(), nil, &out)
	return out.Results, err
}

// Retrieve runs seed-and-expand retrieval on the server.
func (c *Client) Retrieve(ctx context.Context, query string, opts retriever.Options) (*retriever.Result, error) {
	body := struct {
		Query string `json:"query"`
		retriever.Options
	}{query, opts}
	var res retriever.Result
	if err := c.do(ctx, http.MethodPost, "/api/retrieve", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReportOutcome records an outcome and applies it to its causal nodes.
func (c *Client) ReportOutcome(ctx context.Context, in OutcomeInput) (*learner.LearnResult, error) {
	var res learner.LearnResult
	if err := c.do(ctx, http.MethodPost, "/api/outcomes", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Consolidate triggers a cycle on the server.
func (c *Client) Consolidate(ctx context.Context) (consolidator.CycleResult, error) {
	var res consolidator.CycleResult
	err := c.do(ctx, http.MethodPost, "/api/consolidate", nil, &res)
	return res, err
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return statusError(method, path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

// statusError turns an error response back into the matching memerr kind.
func statusError(method, path string, status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := string(data)
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	op := method + " " + path
	cause := errors.New(msg)
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", op, memerr.ErrNotFound, cause)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w: %w", op, memerr.ErrValidation, cause)
	case http.StatusGatewayTimeout:
		return memerr.Timeout(op, cause)
	default:
		return fmt.Errorf("%s: status %d: %w", op, status, cause)
	}
}
