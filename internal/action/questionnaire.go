package action

import (
	"fmt"
	"strings"

	"github.com/pitabwire/matterflow/model"
)

// Question types.
const (
	QuestionText    = "text"
	QuestionNumber  = "number"
	QuestionBoolean = "boolean"
	QuestionChoice  = "choice"
)

// Question is one questionnaire entry.
type Question struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options"`
}

// QuestionnaireConfig configures a QUESTIONNAIRE step.
type QuestionnaireConfig struct {
	Questions  []Question `json:"questions"`
	ContextKey string     `json:"contextKey"`
}

// QuestionnaireHandler collects typed answers. Completion payload:
// {answers: {questionId: value}}.
type QuestionnaireHandler struct {
	Base
}

// NewQuestionnaireHandler creates the QUESTIONNAIRE handler.
func NewQuestionnaireHandler() *QuestionnaireHandler {
	return &QuestionnaireHandler{Base: Base{ActionType: model.ActionQuestionnaire}}
}

func (h *QuestionnaireHandler) config(raw map[string]any) (QuestionnaireConfig, error) {
	var cfg QuestionnaireConfig
	if err := decodeConfig(h.ActionType, raw, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Questions) == 0 {
		return cfg, configError(h.ActionType, "questions", "at least one question is required")
	}
	seen := make(map[string]bool, len(cfg.Questions))
	for i, q := range cfg.Questions {
		field := fmt.Sprintf("questions[%d]", i)
		if q.ID == "" {
			return cfg, configError(h.ActionType, field+".id", "question id is required")
		}
		if seen[q.ID] {
			return cfg, configError(h.ActionType, field+".id", fmt.Sprintf("duplicate question id %q", q.ID))
		}
		seen[q.ID] = true
		switch q.Type {
		case QuestionText, QuestionNumber, QuestionBoolean:
		case QuestionChoice:
			if len(q.Options) == 0 {
				return cfg, configError(h.ActionType, field+".options", "choice questions need options")
			}
		default:
			return cfg, configError(h.ActionType, field+".type", fmt.Sprintf("unknown question type %q", q.Type))
		}
	}
	return cfg, nil
}

// ValidateConfig implements Handler.
func (h *QuestionnaireHandler) ValidateConfig(raw map[string]any) error {
	_, err := h.config(raw)
	return err
}

// Complete type-checks answers against the questions and stores them.
func (h *QuestionnaireHandler) Complete(rc *RuntimeContext, payload map[string]any) (model.ActionState, error) {
	cfg, err := h.config(rc.Config)
	if err != nil {
		return "", err
	}
	answers, _ := payload["answers"].(map[string]any)
	if payload["answers"] != nil && answers == nil {
		return "", payloadError("answers", "NOT_OBJECT", "answers must be an object keyed by question id")
	}

	byID := make(map[string]Question, len(cfg.Questions))
	for _, q := range cfg.Questions {
		byID[q.ID] = q
	}
	for id := range answers {
		if _, ok := byID[id]; !ok {
			return "", payloadError("answers."+id, "UNKNOWN_QUESTION", fmt.Sprintf("unknown question %q", id))
		}
	}

	stored := make(map[string]any, len(answers))
	for _, q := range cfg.Questions {
		v, ok := answers[q.ID]
		if !ok || v == nil || (q.Type == QuestionText && strings.TrimSpace(fmt.Sprint(v)) == "") {
			if q.Required {
				return "", payloadError("answers."+q.ID, "REQUIRED", fmt.Sprintf("question %q is required", q.ID))
			}
			continue
		}
		normalized, err := checkAnswer(q, v)
		if err != nil {
			return "", err
		}
		stored[q.ID] = normalized
	}

	rc.Data["answers"] = stored
	if cfg.ContextKey != "" {
		if err := rc.UpdateContext(cfg.ContextKey, stored); err != nil {
			return "", err
		}
	}
	return "", nil
}

func checkAnswer(q Question, v any) (any, error) {
	field := "answers." + q.ID
	switch q.Type {
	case QuestionText:
		s, ok := v.(string)
		if !ok {
			return nil, payloadError(field, "NOT_STRING", "answer must be text")
		}
		return strings.TrimSpace(s), nil
	case QuestionNumber:
		f, ok := model.ToFloat(v)
		if !ok {
			return nil, payloadError(field, "NOT_NUMBER", "answer must be a number")
		}
		return f, nil
	case QuestionBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, payloadError(field, "NOT_BOOLEAN", "answer must be true or false")
		}
		return b, nil
	case QuestionChoice:
		s, ok := v.(string)
		if !ok {
			return nil, payloadError(field, "NOT_STRING", "answer must be one of the options")
		}
		for _, opt := range q.Options {
			if opt == s {
				return s, nil
			}
		}
		return nil, payloadError(field, "INVALID_OPTION", fmt.Sprintf("%q is not one of %v", s, q.Options))
	}
	return nil, payloadError(field, "UNKNOWN_TYPE", fmt.Sprintf("unknown question type %q", q.Type))
}
