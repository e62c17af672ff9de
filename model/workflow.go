package model

import "time"

// ActionState is the lifecycle position of an instance step.
type ActionState string

// Action states.
const (
	StatePending    ActionState = "PENDING"
	StateReady      ActionState = "READY"
	StateInProgress ActionState = "IN_PROGRESS"
	StateBlocked    ActionState = "BLOCKED"
	StateCompleted  ActionState = "COMPLETED"
	StateFailed     ActionState = "FAILED"
	StateSkipped    ActionState = "SKIPPED"
)

// AllActionStates lists every action state in lifecycle order.
var AllActionStates = []ActionState{
	StatePending, StateReady, StateInProgress, StateBlocked,
	StateCompleted, StateFailed, StateSkipped,
}

// IsValid returns true if s is a known action state.
func (s ActionState) IsValid() bool {
	for _, st := range AllActionStates {
		if st == s {
			return true
		}
	}
	return false
}

// InstanceStatus is the status of a workflow instance.
type InstanceStatus string

// Instance statuses.
const (
	InstanceDraft     InstanceStatus = "DRAFT"
	InstanceActive    InstanceStatus = "ACTIVE"
	InstancePaused    InstanceStatus = "PAUSED"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceCanceled  InstanceStatus = "CANCELED"
)

// ActionType identifies the kind of work a step performs.
type ActionType string

// Built-in action types.
const (
	ActionApproval          ActionType = "APPROVAL"
	ActionSignature         ActionType = "SIGNATURE"
	ActionPayment           ActionType = "PAYMENT"
	ActionChecklist         ActionType = "CHECKLIST"
	ActionDocumentRequest   ActionType = "DOCUMENT_REQUEST"
	ActionFreeText          ActionType = "FREE_TEXT"
	ActionQuestionnaire     ActionType = "QUESTIONNAIRE"
	ActionAutomationEmail   ActionType = "AUTOMATION_EMAIL"
	ActionAutomationWebhook ActionType = "AUTOMATION_WEBHOOK"
)

// DependencyLogic selects how a step's dependencies are satisfied.
type DependencyLogic string

// Dependency logic values. An empty value behaves as ALL.
const (
	DependencyAll DependencyLogic = "ALL"
	DependencyAny DependencyLogic = "ANY"
)

// ConditionType gates a step on a condition verdict.
type ConditionType string

// Condition types. An empty value behaves as ALWAYS.
const (
	ConditionAlways  ConditionType = "ALWAYS"
	ConditionIfTrue  ConditionType = "IF_TRUE"
	ConditionIfFalse ConditionType = "IF_FALSE"
)

// Branch routes a completed step to one of several downstream steps.
type Branch struct {
	TargetStepID string `json:"targetStepId" yaml:"targetStepId"`
	Condition    string `json:"condition" yaml:"condition"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
}

// WorkflowTemplate is a named, versioned blueprint for instances.
type WorkflowTemplate struct {
	ID          string         `json:"id" yaml:"id"`
	Key         string         `json:"key" yaml:"key"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int            `json:"version" yaml:"version"`
	Steps       []TemplateStep `json:"steps" yaml:"steps"`
	Checksum    string         `json:"checksum,omitempty" yaml:"-"`
	SourceFile  string         `json:"-" yaml:"-"`
	CreatedAt   time.Time      `json:"createdAt" yaml:"-"`
}

// Step returns the template step with the given id, or nil.
func (t *WorkflowTemplate) Step(id string) *TemplateStep {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// TemplateStep is the read-only blueprint of an instance step.
type TemplateStep struct {
	ID              string               `json:"id" yaml:"id"`
	Title           string               `json:"title" yaml:"title"`
	ActionType      ActionType           `json:"actionType" yaml:"actionType"`
	RoleScope       RoleScope            `json:"roleScope" yaml:"roleScope"`
	Required        bool                 `json:"required" yaml:"required"`
	Config          map[string]any       `json:"config,omitempty" yaml:"config,omitempty"`
	Notifications   []NotificationPolicy `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	DependsOn       []string             `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	DependencyLogic DependencyLogic      `json:"dependencyLogic,omitempty" yaml:"dependencyLogic,omitempty"`
	Branches        []Branch             `json:"branches,omitempty" yaml:"branches,omitempty"`
	ConditionType   ConditionType        `json:"conditionType,omitempty" yaml:"conditionType,omitempty"`
	Condition       *Condition           `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority        int                  `json:"priority,omitempty" yaml:"priority,omitempty"`
	DueIn           string               `json:"dueIn,omitempty" yaml:"dueIn,omitempty"`
}

// Subject identifies the entity an instance runs against. Exactly one of
// MatterID and ContactID is set.
type Subject struct {
	MatterID  string `json:"matterId,omitempty"`
	ContactID string `json:"contactId,omitempty"`
}

// Kind returns "matter" or "contact", or "" when the subject is unset.
func (s Subject) Kind() string {
	switch {
	case s.MatterID != "":
		return "matter"
	case s.ContactID != "":
		return "contact"
	default:
		return ""
	}
}

// ID returns the id of whichever entity is set.
func (s Subject) ID() string {
	if s.MatterID != "" {
		return s.MatterID
	}
	return s.ContactID
}

// Validate checks that exactly one of MatterID and ContactID is set.
func (s Subject) Validate() error {
	if (s.MatterID == "") == (s.ContactID == "") {
		return NewFieldValidationError("subject", "EXACTLY_ONE",
			"exactly one of matterId and contactId must be set")
	}
	return nil
}

// WorkflowInstance is one running execution of a template.
type WorkflowInstance struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"templateId"`
	TemplateKey     string         `json:"templateKey"`
	TemplateVersion int            `json:"templateVersion"`
	Status          InstanceStatus `json:"status"`
	Subject         Subject        `json:"subject"`
	CreatedBy       string         `json:"createdBy"`
	Context         SharedContext  `json:"context"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	CanceledAt      *time.Time     `json:"canceledAt,omitempty"`
	CancelReason    string         `json:"cancelReason,omitempty"`
	Version         int            `json:"version"`
}

// InstanceStep is the materialized execution unit of a template step.
type InstanceStep struct {
	ID              string          `json:"id"`
	InstanceID      string          `json:"instanceId"`
	TemplateStepID  string          `json:"templateStepId"`
	OrderIndex      int             `json:"orderIndex"`
	Title           string          `json:"title"`
	ActionType      ActionType      `json:"actionType"`
	RoleScope       RoleScope       `json:"roleScope"`
	Required        bool            `json:"required"`
	ActionState     ActionState     `json:"actionState"`
	ActionData      ActionData      `json:"actionData"`
	AssignedTo      string          `json:"assignedTo,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	Priority        int             `json:"priority"`
	DueAt           *time.Time      `json:"dueAt,omitempty"`
	DependsOn       []string        `json:"dependsOn,omitempty"`
	DependencyLogic DependencyLogic `json:"dependencyLogic,omitempty"`
	Branches        []Branch        `json:"branches,omitempty"`
	ConditionType   ConditionType   `json:"conditionType,omitempty"`
	Condition       *Condition      `json:"condition,omitempty"`
	ActivatedBy     string          `json:"activatedBy,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ActionData is the handler-private blob persisted with a step: a config
// snapshot, handler data and the append-only history log.
type ActionData struct {
	Config  map[string]any `json:"config,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	History []HistoryEntry `json:"history"`
}

// HistoryEntry is one immutable audit record on a step.
type HistoryEntry struct {
	ID      string         `json:"id"`
	At      time.Time      `json:"at"`
	By      string         `json:"by"`
	Event   string         `json:"event"`
	From    ActionState    `json:"from"`
	To      ActionState    `json:"to"`
	Payload map[string]any `json:"payload,omitempty"`
	Note    string         `json:"note,omitempty"`
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	Status     InstanceStatus
	TemplateID string
	MatterID   string
	ContactID  string
	Limit      int
	Offset     int
}
