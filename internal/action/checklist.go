package action

import (
	"fmt"

	"github.com/pitabwire/matterflow/model"
)

// ChecklistItem is one entry of a checklist.
type ChecklistItem struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// ChecklistConfig configures a CHECKLIST step.
type ChecklistConfig struct {
	Items []ChecklistItem `json:"items"`
}

// ChecklistHandler completes when every required item is ticked.
// Completion payload: {completedItems: [id...]}.
type ChecklistHandler struct {
	Base
}

// NewChecklistHandler creates the CHECKLIST handler.
func NewChecklistHandler() *ChecklistHandler {
	return &ChecklistHandler{Base: Base{ActionType: model.ActionChecklist}}
}

func (h *ChecklistHandler) config(raw map[string]any) (ChecklistConfig, error) {
	var cfg ChecklistConfig
	if err := decodeConfig(h.ActionType, raw, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Items) == 0 {
		return cfg, configError(h.ActionType, "items", "at least one item is required")
	}
	seen := make(map[string]bool, len(cfg.Items))
	for i, item := range cfg.Items {
		if item.ID == "" {
			return cfg, configError(h.ActionType, fmt.Sprintf("items[%d].id", i), "item id is required")
		}
		if seen[item.ID] {
			return cfg, configError(h.ActionType, fmt.Sprintf("items[%d].id", i), fmt.Sprintf("duplicate item id %q", item.ID))
		}
		seen[item.ID] = true
	}
	return cfg, nil
}

// ValidateConfig implements Handler.
func (h *ChecklistHandler) ValidateConfig(raw map[string]any) error {
	_, err := h.config(raw)
	return err
}

// Complete checks coverage of required items and stores the ticked ids.
func (h *ChecklistHandler) Complete(rc *RuntimeContext, payload map[string]any) (model.ActionState, error) {
	cfg, err := h.config(rc.Config)
	if err != nil {
		return "", err
	}
	ticked, err := payloadStrings(payload, "completedItems")
	if err != nil {
		return "", err
	}

	known := make(map[string]bool, len(cfg.Items))
	for _, item := range cfg.Items {
		known[item.ID] = true
	}
	done := make(map[string]bool, len(ticked))
	for _, id := range ticked {
		if !known[id] {
			return "", payloadError("completedItems", "UNKNOWN_ITEM", fmt.Sprintf("unknown checklist item %q", id))
		}
		done[id] = true
	}

	var missing []string
	for _, item := range cfg.Items {
		if item.Required && !done[item.ID] {
			missing = append(missing, item.ID)
		}
	}
	if len(missing) > 0 {
		return "", payloadError("completedItems", "INCOMPLETE", fmt.Sprintf("required items not completed: %v", missing))
	}

	// Stored in config order without duplicates.
	completed := make([]any, 0, len(done))
	for _, item := range cfg.Items {
		if done[item.ID] {
			completed = append(completed, item.ID)
		}
	}
	rc.Data["completedItems"] = completed
	return "", nil
}
