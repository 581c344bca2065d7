package domain

import "time"

type Step struct {
	Action   ActionType        `json:"action" yaml:"action" validate:"required,action"`
	Delay    time.Duration     `json:"delay" yaml:"delay" validate:"gte=0"`
	Params   map[string]string `json:"params,omitempty" yaml:"params"`
	Blocking bool              `json:"blocking,omitempty" yaml:"blocking"`
}

type WorkflowTemplate struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name" validate:"required"`
	Steps     []Step    `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceCancelled InstanceStatus = "cancelled"
	InstanceFailed    InstanceStatus = "failed"
)

// Open reports whether the instance can still run steps.
func (s InstanceStatus) Open() bool { return s == InstanceActive || s == InstancePaused }

type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepSuccess  StepStatus = "success"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
	StepCanceled StepStatus = "canceled"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepSkipped, StepCanceled:
		return true
	}
	return false
}

type StepRun struct {
	Index         int               `json:"index"`
	Action        ActionType        `json:"action"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	Status        StepStatus        `json:"status"`
	Params        map[string]string `json:"params,omitempty"`
	RetryCount    int               `json:"retry_count"`
	Blocking      bool              `json:"blocking,omitempty"`
	TaskID        string            `json:"task_id"`
	Message       string            `json:"message,omitempty"`
}

type Instance struct {
	ID           string         `json:"id"`
	CustomerID   string         `json:"customer_id"`
	TemplateID   string         `json:"template_id"`
	AccountID    string         `json:"account_id"`
	StartTime    time.Time      `json:"start_time"`
	Steps        []StepRun      `json:"steps"`
	NextStepTime *time.Time     `json:"next_step_time"`
	Status       InstanceStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
