package stagelinesdk

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

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Share struct {
	Weight  int     `json:"weight"`
	Percent float64 `json:"percent"`
}

type Stage struct {
	ID               string  `json:"id"`
	Stage            string  `json:"stage"`
	Deadline         string  `json:"deadline"`
	Note             string  `json:"note,omitempty"`
	Progress         float64 `json:"progress"`
	ActualCompletion *string `json:"actualCompletion"`
	PercentOfProject Share   `json:"percentOfProject"`
}

type Project struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Plan     struct {
		CreatedAt string  `json:"createdAt"`
		Timeline  []Stage `json:"timeline"`
	} `json:"plan"`
	Version int64 `json:"version"`
}

type Task struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"projectId"`
	StageID        string  `json:"stageId"`
	Stage          string  `json:"stage"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Assignee       *string `json:"assignee,omitempty"`
	DueDate        string  `json:"dueDate"`
	Status         string  `json:"status"`
	PercentOfStage Share   `json:"percentOfStage"`
	Progress       float64 `json:"progress"`
}

// Mutation is the hierarchy state returned by every write.
type Mutation struct {
	Project Project `json:"project"`
	Stage   *Stage  `json:"stage,omitempty"`
	Task    *Task   `json:"task,omitempty"`
	Tasks   []Task  `json:"tasks"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// StageInput describes a stage to create.
type StageInput struct {
	Stage    string `json:"stage"`
	Deadline string `json:"deadline"`
	Note     string `json:"note,omitempty"`
}

// StagePatch edits a stage. Nil fields are left alone.
type StagePatch struct {
	Rename   *string `json:"rename,omitempty"`
	Deadline *string `json:"deadline,omitempty"`
	Note     *string `json:"note,omitempty"`
}

// TaskInput describes a task to create.
type TaskInput struct {
	Stage       string  `json:"stage"`
	Title       string  `json:"title"`
	DueDate     string  `json:"dueDate"`
	Description string  `json:"description,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	Status      string  `json:"status,omitempty"`
}

// TaskPatch edits a task. Nil fields are left alone.
type TaskPatch struct {
	Status      *string `json:"status,omitempty"`
	DueDate     *string `json:"dueDate,omitempty"`
	Stage       *string `json:"stage,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) CreateProject(ctx context.Context, id, name string, stages ...StageInput) (Project, error) {
	body := map[string]any{"name": name}
	if id != "" {
		body["id"] = id
	}
	if len(stages) > 0 {
		body["stages"] = stages
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(projectID, ""), nil, &resp)
	return resp, err
}

func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, projectPath(projectID, ""), nil, nil)
}

// Recalculate rebuilds every aggregate of a project.
func (c *Client) Recalculate(ctx context.Context, projectID string) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "recalculate"), nil, &resp)
	return resp, err
}

// Timeline lists stages, by deadline when byDeadline is set.
func (c *Client) Timeline(ctx context.Context, projectID string, byDeadline bool) ([]Stage, error) {
	endpoint := projectPath(projectID, "timeline")
	if byDeadline {
		endpoint += "?sort=deadline"
	}
	var resp []Stage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateStage(ctx context.Context, projectID string, in StageInput) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "timeline"), in, &resp)
	return resp, err
}

func (c *Client) UpdateStage(ctx context.Context, projectID, stage string, patch StagePatch) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPatch, projectPath(projectID, "timeline/"+url.PathEscape(stage)), patch, &resp)
	return resp, err
}

func (c *Client) DeleteStage(ctx context.Context, projectID, stage string) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodDelete, projectPath(projectID, "timeline/"+url.PathEscape(stage)), nil, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, projectID string, in TaskInput) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "tasks"), in, &resp)
	return resp, err
}

// ListTasks lists a project's tasks. Empty filters are ignored.
func (c *Client) ListTasks(ctx context.Context, projectID, stage, status, assignee string) ([]Task, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if status != "" {
		q.Set("status", status)
	}
	if assignee != "" {
		q.Set("assignee", assignee)
	}
	endpoint := projectPath(projectID, "tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

func (c *Client) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(taskID), patch, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first, optionally of one type.
func (c *Client) Events(ctx context.Context, projectID, evtType string, limit int) ([]Event, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := projectPath(projectID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, p string) string {
	base := "projects/" + url.PathEscape(projectID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
