package definition

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/pitabwire/matterflow/internal/notification"
	"github.com/pitabwire/matterflow/model"
)

// VError describes a single validation error in a template file.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// TemplateChecker performs the structural checks the engine applies on
// registration. *workflow.Engine satisfies it.
type TemplateChecker interface {
	ValidateTemplate(tpl model.WorkflowTemplate) error
}

var templateKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

// Validator validates template files before they reach the engine.
type Validator struct {
	checker TemplateChecker
}

// NewValidator creates a new Validator. checker may be nil to skip the
// engine's structural checks.
func NewValidator(checker TemplateChecker) *Validator {
	return &Validator{checker: checker}
}

// Validate checks all templates. Paths are rooted at the template's source
// file when it has one.
func (v *Validator) Validate(tpls []model.WorkflowTemplate) []VError {
	var errs []VError
	seen := make(map[string]string, len(tpls))
	for i, tpl := range tpls {
		errs = append(errs, v.validateOne(i, tpl, seen)...)
	}
	return errs
}

// validateOne checks the template at position i. seen tracks the keys
// defined so far across the set.
func (v *Validator) validateOne(i int, tpl model.WorkflowTemplate, seen map[string]string) []VError {
	prefix := tpl.SourceFile
	if prefix == "" {
		prefix = fmt.Sprintf("templates[%d]", i)
	}

	var errs []VError
	if first, dup := seen[tpl.Key]; dup && tpl.Key != "" {
		errs = append(errs, VError{
			Path:    prefix + ".key",
			Code:    "DUPLICATE_KEY",
			Message: fmt.Sprintf("template key %q is already defined in %s", tpl.Key, first),
		})
	} else {
		seen[tpl.Key] = prefix
	}
	return append(errs, v.validateTemplate(prefix, tpl)...)
}

func (v *Validator) validateTemplate(prefix string, tpl model.WorkflowTemplate) []VError {
	var errs []VError

	if tpl.Key != "" && !templateKeyPattern.MatchString(tpl.Key) {
		errs = append(errs, VError{
			Path:    prefix + ".key",
			Code:    "INVALID_FIELD",
			Message: fmt.Sprintf("template key %q must be lower case and start with a letter", tpl.Key),
		})
	}

	for i, st := range tpl.Steps {
		for j, pol := range st.Notifications {
			if err := notification.ValidatePolicy(pol); err != nil {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.steps[%d].notifications[%d]", prefix, i, j),
					Code:    "INVALID_TEMPLATE",
					Message: err.Error(),
				})
			}
		}
	}

	if v.checker != nil {
		errs = append(errs, fromEnvelope(prefix, v.checker.ValidateTemplate(tpl))...)
	}
	return errs
}

// fromEnvelope flattens an engine validation error into VErrors.
func fromEnvelope(prefix string, err error) []VError {
	if err == nil {
		return nil
	}
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		return []VError{{Path: prefix, Code: "INVALID", Message: err.Error()}}
	}
	if len(env.Details) == 0 {
		return []VError{{Path: prefix, Code: env.Code, Message: env.Message}}
	}
	out := make([]VError, len(env.Details))
	for i, d := range env.Details {
		out[i] = VError{Path: prefix + "." + d.Field, Code: d.Code, Message: d.Message}
	}
	return out
}
