package model

import "time"

// NotificationTrigger names the engine event a notification reacts to.
type NotificationTrigger string

// Notification triggers.
const (
	TriggerStepReady         NotificationTrigger = "STEP_READY"
	TriggerStepCompleted     NotificationTrigger = "STEP_COMPLETED"
	TriggerStepFailed        NotificationTrigger = "STEP_FAILED"
	TriggerInstanceCompleted NotificationTrigger = "INSTANCE_COMPLETED"
	TriggerInstanceCanceled  NotificationTrigger = "INSTANCE_CANCELED"
)

// Special recipient selectors usable alongside role scopes.
const (
	RecipientAssignee = "ASSIGNEE"
	RecipientCreator  = "CREATOR"
)

// NotificationPolicy configures who is told about a step event and how.
// Subject and Body are text/template sources.
type NotificationPolicy struct {
	Trigger    NotificationTrigger `json:"trigger" yaml:"trigger"`
	Channel    string              `json:"channel,omitempty" yaml:"channel,omitempty"`
	Recipients []string            `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Subject    string              `json:"subject,omitempty" yaml:"subject,omitempty"`
	Body       string              `json:"body,omitempty" yaml:"body,omitempty"`
}

// StepEvent is emitted by the orchestrator after a transaction commits.
type StepEvent struct {
	ID         string               `json:"id"`
	Trigger    NotificationTrigger  `json:"trigger"`
	InstanceID string               `json:"instanceId"`
	StepID     string               `json:"stepId,omitempty"`
	ActionType ActionType           `json:"actionType,omitempty"`
	ActorID    string               `json:"actorId,omitempty"`
	At         time.Time            `json:"at"`
	Instance   WorkflowInstance     `json:"-"`
	Step       *InstanceStep        `json:"-"`
	Policies   []NotificationPolicy `json:"-"`
}

// Notification delivery statuses.
const (
	NotificationSent   = "SENT"
	NotificationFailed = "FAILED"
)

// NotificationRecord is one row of the notification log.
type NotificationRecord struct {
	ID         string              `json:"id"`
	InstanceID string              `json:"instanceId"`
	StepID     string              `json:"stepId,omitempty"`
	Trigger    NotificationTrigger `json:"trigger"`
	Channel    string              `json:"channel"`
	Recipients []string            `json:"recipients"`
	Subject    string              `json:"subject"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
}
