package domain

import "time"

type ActionType string

const (
	ActionFindUID     ActionType = "findUid"
	ActionSendMessage ActionType = "sendMessage"
	ActionAddFriend   ActionType = "addFriend"
	ActionCheckFriend ActionType = "checkFriend"
	ActionTag         ActionType = "tag"
)

// Actions is the fixed set of actions the dispatcher knows how to run.
var Actions = []ActionType{ActionFindUID, ActionSendMessage, ActionAddFriend, ActionCheckFriend, ActionTag}

func (a ActionType) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "canceled"
)

// TaskPayload is what a task carries to its handler. InstanceID and StepIndex
// are set for workflow steps and empty for ad hoc actions.
type TaskPayload struct {
	AccountID  string            `json:"account_id"`
	CustomerID string            `json:"customer_id,omitempty"`
	Target     string            `json:"target,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	InstanceID string            `json:"instance_id,omitempty"`
	StepIndex  int               `json:"step_index"`
}

func (p TaskPayload) IsStep() bool { return p.InstanceID != "" }

type Task struct {
	ID            string
	ActionType    ActionType
	Payload       TaskPayload
	ScheduledFor  time.Time
	ProcessingID  *string
	ClaimedAt     *time.Time
	RetryCount    int
	MaxRetries    int
	State         TaskState
	ResultMessage string

	// IdempotencyKey deduplicates submissions from outside callers.
	IdempotencyKey *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	UID       string    `json:"uid,omitempty"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionLog records one dispatch attempt, whatever its outcome.
type ActionLog struct {
	ID         int64         `json:"id"`
	AccountID  string        `json:"account_id"`
	ActionType ActionType    `json:"action_type"`
	Target     string        `json:"target"`
	Status     OutcomeStatus `json:"status"`
	Message    string        `json:"message,omitempty"`
	TaskID     string        `json:"task_id,omitempty"`
	InstanceID string        `json:"instance_id,omitempty"`
	StepIndex  int           `json:"step_index"`
	CreatedAt  time.Time     `json:"created_at"`
}
