package domain

type ProjectStatus string

const (
	ProjectProcessing ProjectStatus = "Processing"
	ProjectCompleted  ProjectStatus = "Completed"
)

type TaskStatus string

const (
	TaskTodo   TaskStatus = "Todo"
	TaskDoing  TaskStatus = "Doing"
	TaskReview TaskStatus = "Review"
	TaskDone   TaskStatus = "Done"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskDoing, TaskReview, TaskDone:
		return true
	}
	return false
}

// Share is a member's raw weight (days) and its normalized percent of the parent.
type Share struct {
	Weight  int     `json:"weight"`
	Percent float64 `json:"percent"`
}

type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    ProjectStatus `json:"status" enum:"Processing,Completed"`
	Progress  float64       `json:"progress"`
	Plan      Plan          `json:"plan"`
	Version   int64         `json:"version"`
	CreatedAt string        `json:"created_at" format:"date-time"`
	UpdatedAt string        `json:"updated_at" format:"date-time"`
}

type Plan struct {
	CreatedAt string  `json:"createdAt"`
	Timeline  []Stage `json:"timeline"`
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

// StageIndex returns the timeline position of the stage with the given name, or -1.
func (p Plan) StageIndex(name string) int {
	for i, s := range p.Timeline {
		if s.Stage == name {
			return i
		}
	}
	return -1
}

// StageByID returns the timeline position of the stage with the given id, or -1.
func (p Plan) StageByID(id string) int {
	for i, s := range p.Timeline {
		if s.ID == id {
			return i
		}
	}
	return -1
}

type Task struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"projectId"`
	StageID        string     `json:"stageId"`
	Stage          string     `json:"stage"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Assignee       *string    `json:"assignee,omitempty"`
	DueDate        string     `json:"dueDate"`
	Status         TaskStatus `json:"status" enum:"Todo,Doing,Review,Done"`
	PercentOfStage Share      `json:"percentOfStage"`
	Progress       float64    `json:"progress"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
