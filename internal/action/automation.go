package action

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pitabwire/matterflow/model"
)

// Automation completion statuses reported by the executor.
const (
	AutomationSucceeded      = "SUCCEEDED"
	AutomationFailed         = "FAILED"
	AutomationManualOverride = "MANUAL_OVERRIDE"
)

// EmailAutomationConfig configures an AUTOMATION_EMAIL step.
type EmailAutomationConfig struct {
	Template string   `json:"template"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
}

// WebhookAutomationConfig configures an AUTOMATION_WEBHOOK step. Method
// defaults to POST.
type WebhookAutomationConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// automation holds the lifecycle shared by automation handlers. They are
// started by the system actor and completed by whatever executes the
// automation, never by ordinary users.
type automation struct {
	Base
	validate func(raw map[string]any) error
}

// ValidateConfig implements Handler.
func (a *automation) ValidateConfig(raw map[string]any) error {
	return a.validate(raw)
}

// CanStart allows only the system actor or an administrator.
func (a *automation) CanStart(rc *RuntimeContext) error {
	if rc.Actor.System || rc.ActorIsAdmin {
		return nil
	}
	return model.NewPreconditionError("automation steps are started by the system")
}

// Start records the dispatch time for the executor.
func (a *automation) Start(rc *RuntimeContext) (model.ActionState, error) {
	rc.Data["dispatchedAt"] = timestamp(rc.Now)
	rc.Data["dispatchedBy"] = rc.Actor.ID
	return "", nil
}

// Complete applies the executor's result: {status, result?, error?}.
func (a *automation) Complete(rc *RuntimeContext, payload map[string]any) (model.ActionState, error) {
	status, err := payloadString(payload, "status")
	if err != nil {
		return "", err
	}
	status = strings.ToUpper(status)

	switch status {
	case AutomationSucceeded, AutomationFailed:
		if !rc.Actor.System && !rc.ActorIsAdmin {
			return "", model.NewPermissionError("automation results are reported by the system")
		}
	case AutomationManualOverride:
		if !rc.ActorIsAdmin {
			return "", model.NewPermissionError("manual override requires an administrator")
		}
	case "":
		return "", payloadError("status", "REQUIRED", "status is required")
	default:
		return "", payloadError("status", "INVALID_STATUS",
			fmt.Sprintf("status must be %s, %s or %s", AutomationSucceeded, AutomationFailed, AutomationManualOverride))
	}

	rc.Data["status"] = status
	rc.Data["reportedBy"] = rc.Actor.ID
	if result, ok := payload["result"]; ok {
		rc.Data["result"] = result
	}
	if status == AutomationFailed {
		if msg, _ := payloadString(payload, "error"); msg != "" {
			rc.Data["error"] = msg
		}
		return model.StateFailed, nil
	}
	return model.StateCompleted, nil
}

// NewEmailAutomationHandler creates the AUTOMATION_EMAIL handler.
func NewEmailAutomationHandler() Handler {
	a := &automation{Base: Base{ActionType: model.ActionAutomationEmail}}
	a.validate = func(raw map[string]any) error {
		var cfg EmailAutomationConfig
		if err := decodeConfig(a.ActionType, raw, &cfg); err != nil {
			return err
		}
		if cfg.Template == "" {
			return configError(a.ActionType, "template", "template is required")
		}
		if len(cfg.To) == 0 {
			return configError(a.ActionType, "to", "at least one recipient is required")
		}
		return nil
	}
	return a
}

// NewWebhookAutomationHandler creates the AUTOMATION_WEBHOOK handler.
func NewWebhookAutomationHandler() Handler {
	a := &automation{Base: Base{ActionType: model.ActionAutomationWebhook}}
	a.validate = func(raw map[string]any) error {
		var cfg WebhookAutomationConfig
		if err := decodeConfig(a.ActionType, raw, &cfg); err != nil {
			return err
		}
		u, err := url.Parse(cfg.URL)
		if cfg.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return configError(a.ActionType, "url", "url must be an absolute http or https URL")
		}
		switch strings.ToUpper(cfg.Method) {
		case "", http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodGet:
		default:
			return configError(a.ActionType, "method", fmt.Sprintf("unsupported method %q", cfg.Method))
		}
		return nil
	}
	return a
}
