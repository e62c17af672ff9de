package action

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pitabwire/matterflow/model"
)

// FreeTextConfig configures a FREE_TEXT step.
type FreeTextConfig struct {
	Prompt     string `json:"prompt"`
	MinLength  int    `json:"minLength"`
	MaxLength  int    `json:"maxLength"`
	ContextKey string `json:"contextKey"`
}

// FreeTextHandler collects a text answer. Completion payload: {text}.
type FreeTextHandler struct {
	Base
}

// NewFreeTextHandler creates the FREE_TEXT handler.
func NewFreeTextHandler() *FreeTextHandler {
	return &FreeTextHandler{Base: Base{ActionType: model.ActionFreeText}}
}

func (h *FreeTextHandler) config(raw map[string]any) (FreeTextConfig, error) {
	var cfg FreeTextConfig
	if err := decodeConfig(h.ActionType, raw, &cfg); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return cfg, configError(h.ActionType, "prompt", "prompt is required")
	}
	if cfg.MinLength < 0 {
		return cfg, configError(h.ActionType, "minLength", "minLength must not be negative")
	}
	if cfg.MaxLength < 0 || (cfg.MaxLength > 0 && cfg.MaxLength < cfg.MinLength) {
		return cfg, configError(h.ActionType, "maxLength", "maxLength must be zero (unbounded) or at least minLength")
	}
	return cfg, nil
}

// ValidateConfig implements Handler.
func (h *FreeTextHandler) ValidateConfig(raw map[string]any) error {
	_, err := h.config(raw)
	return err
}

// Complete validates and stores the text.
func (h *FreeTextHandler) Complete(rc *RuntimeContext, payload map[string]any) (model.ActionState, error) {
	cfg, err := h.config(rc.Config)
	if err != nil {
		return "", err
	}
	text, err := payloadString(payload, "text")
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", payloadError("text", "REQUIRED", "text is required")
	}
	n := utf8.RuneCountInString(text)
	if n < cfg.MinLength {
		return "", payloadError("text", "TOO_SHORT", fmt.Sprintf("text must be at least %d characters", cfg.MinLength))
	}
	if cfg.MaxLength > 0 && n > cfg.MaxLength {
		return "", payloadError("text", "TOO_LONG", fmt.Sprintf("text must be at most %d characters", cfg.MaxLength))
	}

	rc.Data["text"] = text
	if cfg.ContextKey != "" {
		if err := rc.UpdateContext(cfg.ContextKey, text); err != nil {
			return "", err
		}
	}
	return "", nil
}
