package packlinesdk

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

// Client is a minimal Packline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

// Artifact represents an uploaded archive and its cache state.
type Artifact struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	CacheStatus string `json:"cache_status"`
	CreatedAt   string `json:"created_at"`
	TaskCount   int    `json:"task_count"`
}

// Rule is one mutation applied to a task workspace.
type Rule struct {
	Type        string `json:"type"`
	TargetPath  string `json:"target_path"`
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	UseRegex    bool   `json:"use_regex,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

// RuleResult is the per-rule outcome of a task run.
type RuleResult struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Task represents a modification task.
type Task struct {
	ID          string       `json:"id"`
	ArtifactID  string       `json:"artifact_id"`
	Status      string       `json:"status"`
	Rules       []Rule       `json:"rules"`
	RuleResults []RuleResult `json:"rule_results,omitempty"`
	OutputPath  string       `json:"output_path,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   string       `json:"created_at"`
	CompletedAt *string      `json:"completed_at,omitempty"`
}

// TaskSummary is the list form of a task.
type TaskSummary struct {
	ID          string  `json:"id"`
	ArtifactID  string  `json:"artifact_id"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// FileNode is one entry of a cache file tree.
type FileNode struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	IsDirectory bool       `json:"is_directory"`
	Size        *int64     `json:"size,omitempty"`
	Children    []FileNode `json:"children,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ArtifactID string `json:"artifact_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
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

// UploadArtifact uploads raw archive bytes. It returns once the server has
// unpacked the archive into its cache.
func (c *Client) UploadArtifact(ctx context.Context, filename string, content []byte) (Artifact, error) {
	endpoint := "v1/artifacts?filename=" + url.QueryEscape(filename)
	var resp Artifact
	err := c.doRaw(ctx, http.MethodPost, endpoint, content, "application/octet-stream", &resp)
	return resp, err
}

// ListArtifacts returns all artifacts.
func (c *Client) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	var resp []Artifact
	err := c.do(ctx, http.MethodGet, "v1/artifacts", nil, &resp)
	return resp, err
}

// GetArtifact fetches one artifact.
func (c *Client) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodGet, "v1/artifacts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// DeleteArtifact removes an artifact and everything derived from it.
func (c *Client) DeleteArtifact(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v1/artifacts/"+url.PathEscape(id), nil, nil)
}

// ListFiles returns the artifact's cached file tree.
func (c *Client) ListFiles(ctx context.Context, artifactID string) ([]FileNode, error) {
	var resp []FileNode
	err := c.do(ctx, http.MethodGet, "v1/artifacts/"+url.PathEscape(artifactID)+"/files", nil, &resp)
	return resp, err
}

// CreateTask submits rules against an artifact and returns the pending task.
func (c *Client) CreateTask(ctx context.Context, artifactID string, rules []Rule) (Task, error) {
	body := map[string]any{"rules": rules}
	var resp Task
	endpoint := "v1/artifacts/" + url.PathEscape(artifactID) + "/tasks"
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListTasks returns an artifact's task summaries.
func (c *Client) ListTasks(ctx context.Context, artifactID string) ([]TaskSummary, error) {
	var resp []TaskSummary
	endpoint := "v1/artifacts/" + url.PathEscape(artifactID) + "/tasks"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTask fetches a task with its rule results.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v1/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// WaitTask polls until the task reaches a terminal status or ctx expires.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return t, err
		}
		if t.Status == "completed" || t.Status == "failed" {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Download returns the packaged output of a completed task.
func (c *Client) Download(ctx context.Context, taskID string) ([]byte, error) {
	endpoint := "v1/tasks/" + url.PathEscape(taskID) + "/download"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(resp.Body)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.doRaw(ctx, method, endpoint, buf.Bytes(), "application/json", out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body []byte, contentType string, out any) error {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	c.setAuth(req)
	resp, err := c.httpClient().Do(req)
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

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
