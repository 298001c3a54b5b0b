// Package task defines the Task data model: the user request that enters
// the engine through the Supervisor and exits through the Result
// Aggregator.
package task

import "time"

// OutputType is the caller-declared (or inferred) deliverable shape.
type OutputType string

const (
	OutputReport    OutputType = "report"
	OutputCode      OutputType = "code"
	OutputWebsite   OutputType = "website"
	OutputImage     OutputType = "image"
	OutputVideo     OutputType = "video"
	OutputDataset   OutputType = "dataset"
	OutputDocument  OutputType = "document"
	OutputComposite OutputType = "composite"
	OutputAuto      OutputType = "auto"
)

// Status is the Task's terminal/non-terminal lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Attachment is a file the caller attached to the request.
type Attachment struct {
	ID         string
	Name       string
	MimeType   string
	SizeBytes  int64
	StorageURL string
}

// Task is the user request. It is created by intake and lives until
// cancelled or terminal; the Task itself never mutates its Content or
// Attachments after creation.
type Task struct {
	ID         string
	Content    string
	Attachments []Attachment
	OutputType OutputType
	CreatedAt  time.Time
	Status     Status

	// Labels and Metadata are caller-supplied routing/tenancy hints,
	// passed through planning, scheduling, and review untouched.
	Labels   map[string]string
	Metadata map[string]any
}

// New constructs a Task in StatusCreated with OutputAuto unless ot is set.
func New(id, content string, ot OutputType, createdAt time.Time) *Task {
	if ot == "" {
		ot = OutputAuto
	}
	return &Task{
		ID:         id,
		Content:    content,
		OutputType: ot,
		CreatedAt:  createdAt,
		Status:     StatusCreated,
		Labels:     make(map[string]string),
		Metadata:   make(map[string]any),
	}
}
