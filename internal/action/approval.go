package action

import (
	"strings"

	"github.com/pitabwire/matterflow/model"
)

// ApprovalConfig configures an APPROVAL step.
type ApprovalConfig struct {
	RequireComment         bool   `json:"requireComment"`
	RequireCommentOnReject bool   `json:"requireCommentOnReject"`
	ApproverID             string `json:"approverId"`
	ContextKey             string `json:"contextKey"`
}

// ApprovalHandler records an approve/reject decision. Completion payload:
// {approved: bool, comment?: string}.
type ApprovalHandler struct {
	Base
}

// NewApprovalHandler creates the APPROVAL handler.
func NewApprovalHandler() *ApprovalHandler {
	return &ApprovalHandler{Base: Base{ActionType: model.ActionApproval}}
}

func (h *ApprovalHandler) config(raw map[string]any) (ApprovalConfig, error) {
	var cfg ApprovalConfig
	err := decodeConfig(h.ActionType, raw, &cfg)
	return cfg, err
}

// ValidateConfig implements Handler.
func (h *ApprovalHandler) ValidateConfig(raw map[string]any) error {
	_, err := h.config(raw)
	return err
}

// CanStart restricts the step to the configured approver, if any.
func (h *ApprovalHandler) CanStart(rc *RuntimeContext) error {
	cfg, err := h.config(rc.Config)
	if err != nil {
		return err
	}
	if cfg.ApproverID != "" && rc.Actor.ID != cfg.ApproverID && !rc.ActorIsAdmin {
		return model.NewPreconditionError("only the designated approver may start this approval")
	}
	return nil
}

// Complete validates the decision and records it.
func (h *ApprovalHandler) Complete(rc *RuntimeContext, payload map[string]any) (model.ActionState, error) {
	cfg, err := h.config(rc.Config)
	if err != nil {
		return "", err
	}

	approved, present, err := payloadBool(payload, "approved")
	if err != nil {
		return "", err
	}
	if !present {
		return "", payloadError("approved", "REQUIRED", "approved is required")
	}
	comment, err := payloadString(payload, "comment")
	if err != nil {
		return "", err
	}
	comment = strings.TrimSpace(comment)

	if comment == "" && (cfg.RequireComment || (!approved && cfg.RequireCommentOnReject)) {
		return "", payloadError("comment", "REQUIRED", "a comment is required for this decision")
	}

	decision := map[string]any{
		"approved": approved,
		"by":       rc.Actor.ID,
		"at":       timestamp(rc.Now),
	}
	if comment != "" {
		decision["comment"] = comment
	}
	rc.Data["decision"] = decision

	if cfg.ContextKey != "" {
		if err := rc.UpdateContext(cfg.ContextKey, approved); err != nil {
			return "", err
		}
	}
	return "", nil
}
