package server

import (
	"encoding/json"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

// Request payloads

type StageRequest struct {
	Stage    string `json:"stage" minLength:"1" maxLength:"200"`
	Deadline string `json:"deadline" example:"15/03/2024" doc:"DD/MM/YYYY"`
	Note     string `json:"note,omitempty"`
}

type CreateProjectRequest struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name" minLength:"1"`
	Stages []StageRequest `json:"stages,omitempty"`
}

type UpdateStageRequest struct {
	Rename   *string `json:"rename,omitempty"`
	Deadline *string `json:"deadline,omitempty" doc:"DD/MM/YYYY"`
	Note     *string `json:"note,omitempty"`
}

type CreateTaskRequest struct {
	Stage       string  `json:"stage" minLength:"1"`
	Title       string  `json:"title" minLength:"1" maxLength:"200"`
	DueDate     string  `json:"dueDate" example:"10/03/2024" doc:"DD/MM/YYYY"`
	Description string  `json:"description,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	Status      string  `json:"status,omitempty" enum:"Todo,Doing,Review,Done"`
}

type UpdateTaskRequest struct {
	Status      *string `json:"status,omitempty" enum:"Todo,Doing,Review,Done"`
	DueDate     *string `json:"dueDate,omitempty" doc:"DD/MM/YYYY"`
	Stage       *string `json:"stage,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Assignee    *string `json:"assignee,omitempty" doc:"empty string clears the assignee"`
}

// Responses

type ProjectResponse struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    string       `json:"status"`
	Progress  float64      `json:"progress"`
	Plan      PlanResponse `json:"plan"`
	Version   int64        `json:"version"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

type PlanResponse struct {
	CreatedAt string         `json:"createdAt"`
	Timeline  []domain.Stage `json:"timeline"`
}

// MutationResponse is the hierarchy state after a trigger.
type MutationResponse struct {
	Project ProjectResponse `json:"project"`
	Stage   *domain.Stage   `json:"stage,omitempty"`
	Task    *domain.Task    `json:"task,omitempty"`
	Tasks   []domain.Task   `json:"tasks"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

func projectResponse(p domain.Project) ProjectResponse {
	timeline := p.Plan.Timeline
	if timeline == nil {
		timeline = []domain.Stage{}
	}
	return ProjectResponse{
		ID:        p.ID,
		Name:      p.Name,
		Status:    string(p.Status),
		Progress:  p.Progress,
		Plan:      PlanResponse{CreatedAt: p.Plan.CreatedAt, Timeline: timeline},
		Version:   p.Version,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func mutationResponse(res engine.Result) MutationResponse {
	tasks := res.Tasks
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return MutationResponse{
		Project: projectResponse(res.Project),
		Stage:   res.Stage,
		Task:    res.Task,
		Tasks:   tasks,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
