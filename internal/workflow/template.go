package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/condition"
	"github.com/pitabwire/matterflow/internal/dependency"
	"github.com/pitabwire/matterflow/model"
)

// RegisterTemplate validates and stores a new template version. The
// version defaults to one past the latest stored under the same key.
func (e *Engine) RegisterTemplate(ctx context.Context, tpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	err := e.traced(ctx, "register_template", "", "", func(ctx context.Context) error {
		// 1. Validate structure, handler configs, conditions and the
		// dependency graph.
		if err := e.ValidateTemplate(tpl); err != nil {
			return err
		}

		// 2. Fill in identity and provenance.
		if tpl.ID == "" {
			tpl.ID = uuid.New().String()
		}
		if tpl.Checksum == "" {
			sum, err := Checksum(tpl)
			if err != nil {
				return err
			}
			tpl.Checksum = sum
		}
		tpl.CreatedAt = e.now()

		// 3. Assign the version and persist.
		return e.store.RunInTx(ctx, func(tx Tx) error {
			if tpl.Version == 0 {
				latest, err := tx.LatestTemplate(ctx, tpl.Key)
				switch {
				case err == nil:
					tpl.Version = latest.Version + 1
				case model.IsCode(err, model.ErrNotFound):
					tpl.Version = 1
				default:
					return err
				}
			}
			return tx.CreateTemplate(ctx, tpl)
		})
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	e.logger.Info("template registered",
		zap.String("template_id", tpl.ID),
		zap.String("template_key", tpl.Key),
		zap.Int("version", tpl.Version),
	)
	return tpl, nil
}

// GetTemplate returns a template by id, or the latest version when ref is
// a template key.
func (e *Engine) GetTemplate(ctx context.Context, ref string) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		tpl, err = resolveTemplate(ctx, tx, ref)
		return err
	})
	return tpl, err
}

// ListTemplates returns every stored template version.
func (e *Engine) ListTemplates(ctx context.Context) ([]model.WorkflowTemplate, error) {
	var out []model.WorkflowTemplate
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListTemplates(ctx)
		return err
	})
	return out, err
}

func resolveTemplate(ctx context.Context, tx Tx, ref string) (model.WorkflowTemplate, error) {
	tpl, err := tx.GetTemplate(ctx, ref)
	if model.IsCode(err, model.ErrNotFound) {
		return tx.LatestTemplate(ctx, ref)
	}
	return tpl, err
}

// ValidateTemplate checks a template without storing it. All problems
// except dependency integrity are reported together as one
// VALIDATION_ERROR; a broken dependency graph is a DEPENDENCY_INTEGRITY
// error.
func (e *Engine) ValidateTemplate(tpl model.WorkflowTemplate) error {
	var details []model.FieldError
	add := func(field, code, msg string) {
		details = append(details, model.FieldError{Field: field, Code: code, Message: msg})
	}

	if strings.TrimSpace(tpl.Key) == "" {
		add("key", "REQUIRED", "template key is required")
	}
	if strings.TrimSpace(tpl.Name) == "" {
		add("name", "REQUIRED", "template name is required")
	}
	if tpl.Version < 0 {
		add("version", "INVALID_FIELD", "version must not be negative")
	}
	if len(tpl.Steps) == 0 {
		add("steps", "REQUIRED", "a template needs at least one step")
	}

	ids := make(map[string]bool, len(tpl.Steps))
	for _, st := range tpl.Steps {
		ids[st.ID] = true
	}

	for i, st := range tpl.Steps {
		p := fmt.Sprintf("steps[%d]", i)
		if st.ID == "" {
			add(p+".id", "REQUIRED", "step id is required")
		}
		if strings.TrimSpace(st.Title) == "" {
			add(p+".title", "REQUIRED", "step title is required")
		}
		if !st.RoleScope.IsValid() {
			add(p+".roleScope", "INVALID_FIELD", fmt.Sprintf("unknown role scope %q", st.RoleScope))
		}
		if err := e.registry.ValidateStepConfig(st.ActionType, st.Config); err != nil {
			details = append(details, prefixed(p, err)...)
		}
		switch st.DependencyLogic {
		case "", model.DependencyAll, model.DependencyAny:
		default:
			add(p+".dependencyLogic", "INVALID_FIELD", fmt.Sprintf("unknown dependency logic %q", st.DependencyLogic))
		}

		switch st.ConditionType {
		case "", model.ConditionAlways:
		case model.ConditionIfTrue, model.ConditionIfFalse:
			if st.Condition == nil {
				add(p+".condition", "REQUIRED", fmt.Sprintf("conditionType %s needs a condition", st.ConditionType))
			} else if err := condition.Validate(*st.Condition); err != nil {
				details = append(details, prefixed(p, err)...)
			}
		default:
			add(p+".conditionType", "INVALID_FIELD", fmt.Sprintf("unknown condition type %q", st.ConditionType))
		}

		for j, b := range st.Branches {
			bp := fmt.Sprintf("%s.branches[%d]", p, j)
			switch {
			case b.TargetStepID == "":
				add(bp+".targetStepId", "REQUIRED", "branch target is required")
			case b.TargetStepID == st.ID:
				add(bp+".targetStepId", "SELF_BRANCH", "a step cannot branch to itself")
			case !ids[b.TargetStepID]:
				add(bp+".targetStepId", "UNKNOWN_STEP", fmt.Sprintf("branch target %q does not exist", b.TargetStepID))
			}
			if b.Condition == "" {
				if len(st.Branches) > 1 {
					add(bp+".condition", "REQUIRED", "every branch of a multi-branch step needs a condition")
				}
			} else if _, ok := parseDecision(b.Condition); !ok {
				add(bp+".condition", "INVALID_FIELD", fmt.Sprintf("unrecognised branch condition %q", b.Condition))
			}
		}

		for j, pol := range st.Notifications {
			np := fmt.Sprintf("%s.notifications[%d]", p, j)
			switch pol.Trigger {
			case model.TriggerStepReady, model.TriggerStepCompleted, model.TriggerStepFailed,
				model.TriggerInstanceCompleted, model.TriggerInstanceCanceled:
			default:
				add(np+".trigger", "INVALID_FIELD", fmt.Sprintf("unknown trigger %q", pol.Trigger))
			}
			for _, r := range pol.Recipients {
				if r != model.RecipientAssignee && r != model.RecipientCreator && !model.RoleScope(r).IsValid() {
					add(np+".recipients", "INVALID_FIELD", fmt.Sprintf("unknown recipient %q", r))
				}
			}
		}

		if st.DueIn != "" {
			if _, err := ParseDueIn(st.DueIn); err != nil {
				add(p+".dueIn", "INVALID_FIELD", err.Error())
			}
		}
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return dependency.ValidateWorkflowDependencies(dependency.FromTemplateSteps(tpl.Steps))
}

// prefixed re-roots the field paths of an envelope error under prefix.
func prefixed(prefix string, err error) []model.FieldError {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		return []model.FieldError{{Field: prefix, Code: "INVALID", Message: err.Error()}}
	}
	if len(env.Details) == 0 {
		return []model.FieldError{{Field: prefix, Code: env.Code, Message: env.Message}}
	}
	out := make([]model.FieldError, len(env.Details))
	for i, d := range env.Details {
		d.Field = prefix + "." + d.Field
		out[i] = d
	}
	return out
}

// ParseDueIn parses a relative due offset. Go durations are accepted, as
// is a whole number of days such as "3d".
func ParseDueIn(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid due offset %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid due offset %q", s)
	}
	return d, nil
}

// Checksum returns a stable digest of a template's authored content.
func Checksum(tpl model.WorkflowTemplate) (string, error) {
	b, err := json.Marshal(struct {
		Key   string               `json:"key"`
		Name  string               `json:"name"`
		Steps []model.TemplateStep `json:"steps"`
	}{tpl.Key, tpl.Name, tpl.Steps})
	if err != nil {
		return "", fmt.Errorf("checksum template: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
