package devflowsdk

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
)

// Client is a minimal Devflow HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Priority string         `json:"priority"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Relationship represents a typed edge between two items.
type Relationship struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Type     string `json:"relationship_type"`
}

// Step represents one pipeline step.
type Step struct {
	Name     string         `json:"name"`
	Position int            `json:"position"`
	Status   string         `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// JobStatus represents a pipeline run.
type JobStatus struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Steps  []Step `json:"steps"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"event_type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItem creates a work item.
func (c *Client) CreateItem(ctx context.Context, title, itemType string) (WorkItem, error) {
	body := map[string]any{
		"title": title,
		"type":  itemType,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "items", body, &resp)
	return resp, err
}

// GetItem fetches one work item.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Link creates a relationship from source to target.
func (c *Client) Link(ctx context.Context, sourceID, targetID, relType string) (Relationship, error) {
	body := map[string]any{
		"target_id":         targetID,
		"relationship_type": relType,
	}
	var resp Relationship
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("items/%s/relationships", url.PathEscape(sourceID)), body, &resp)
	return resp, err
}

// StartPipeline starts an idea-to-deployment pipeline.
func (c *Client) StartPipeline(ctx context.Context, ideaReference string) (JobStatus, error) {
	body := map[string]any{"idea_reference": ideaReference}
	var resp JobStatus
	err := c.do(ctx, http.MethodPost, "pipelines", body, &resp)
	return resp, err
}

// PipelineStatus fetches a pipeline's status.
func (c *Client) PipelineStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var resp JobStatus
	err := c.do(ctx, http.MethodGet, "pipelines/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

// RetryPipeline retries a failed pipeline.
func (c *Client) RetryPipeline(ctx context.Context, jobID string) (JobStatus, error) {
	var resp JobStatus
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("pipelines/%s/retry", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// Events lists the most recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("events?limit=%d", limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
