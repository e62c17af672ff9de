// Package condition validates and evaluates step gating conditions.
//
// A condition is either simple ({field, operator, value}) or compound
// ({logic: AND|OR, conditions}). Field paths are dot-separated and rooted
// at one of:
//
//   - context.<path> / workflow.<path>  shared instance context
//   - step.<path>                        handler data of the active step
//   - steps.<templateStepId>.<path>      handler data of any step
//   - matter.<path> / contact.<path>     subject attributes
//   - <path>                             shared instance context
package condition

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/pitabwire/matterflow/model"
)

// Operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "notEquals"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpGreaterEq   = ">="
	OpLessEq      = "<="
	OpContains    = "contains"
	OpStartsWith  = "startsWith"
	OpEndsWith    = "endsWith"
	OpIn          = "in"
	OpNotIn       = "notIn"
	OpExists      = "exists"
	OpNotExists   = "notExists"
	OpIsEmpty     = "isEmpty"
	OpIsNotEmpty  = "isNotEmpty"
)

var aliases = map[string]string{
	"==":                 OpEquals,
	"!=":                 OpNotEquals,
	">":                  OpGreaterThan,
	"<":                  OpLessThan,
	"greaterThanOrEqual": OpGreaterEq,
	"lessThanOrEqual":    OpLessEq,
}

var unary = map[string]bool{
	OpExists: true, OpNotExists: true, OpIsEmpty: true, OpIsNotEmpty: true,
}

var known = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpGreaterThan: true, OpLessThan: true,
	OpGreaterEq: true, OpLessEq: true, OpContains: true, OpStartsWith: true,
	OpEndsWith: true, OpIn: true, OpNotIn: true, OpExists: true,
	OpNotExists: true, OpIsEmpty: true, OpIsNotEmpty: true,
}

// canonical maps an operator alias onto its canonical name.
func canonical(op string) string {
	if c, ok := aliases[op]; ok {
		return c
	}
	return op
}

// Context is the data a condition is evaluated against.
type Context struct {
	Shared  map[string]any
	Step    map[string]any
	Steps   map[string]map[string]any
	Subject map[string]any
}

// Result is the outcome of an evaluation. Success is false when the
// condition could not be evaluated; Error then describes why.
type Result struct {
	Success bool   `json:"success"`
	Value   bool   `json:"value"`
	Error   string `json:"error,omitempty"`
}

func failed(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Validate checks the shape of c without resolving any field. Problems
// are reported together as a VALIDATION_ERROR.
func Validate(c model.Condition) error {
	var details []model.FieldError
	validate(c, "condition", &details)
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func validate(c model.Condition, path string, details *[]model.FieldError) {
	add := func(field, code, msg string) {
		*details = append(*details, model.FieldError{Field: path + field, Code: code, Message: msg})
	}

	switch c.Kind() {
	case model.ConditionCompound:
		if c.Logic != model.LogicAnd && c.Logic != model.LogicOr {
			add(".logic", "INVALID_LOGIC", fmt.Sprintf("logic must be AND or OR, got %q", c.Logic))
		}
		if len(c.Conditions) == 0 {
			add(".conditions", "REQUIRED", "compound condition needs at least one nested condition")
		}
		for i, nested := range c.Conditions {
			validate(nested, fmt.Sprintf("%s.conditions[%d]", path, i), details)
		}
	case model.ConditionSimple:
		if strings.TrimSpace(c.Field) == "" {
			add(".field", "REQUIRED", "field is required")
		} else if err := checkFieldPath(c.Field); err != nil {
			add(".field", "INVALID_FIELD", err.Error())
		}
		op := canonical(c.Operator)
		if !known[op] {
			add(".operator", "UNKNOWN_OPERATOR", fmt.Sprintf("unknown operator %q", c.Operator))
			return
		}
		if unary[op] {
			return
		}
		if c.Value == nil {
			add(".value", "REQUIRED", fmt.Sprintf("operator %q needs a value", c.Operator))
			return
		}
		switch op {
		case OpGreaterThan, OpLessThan, OpGreaterEq, OpLessEq:
			if _, ok := model.ToFloat(c.Value); !ok {
				add(".value", "NOT_NUMERIC", fmt.Sprintf("operator %q needs a numeric value", c.Operator))
			}
		case OpIn, OpNotIn:
			if _, ok := asList(c.Value); !ok {
				add(".value", "NOT_LIST", fmt.Sprintf("operator %q needs a list value", c.Operator))
			}
		case OpStartsWith, OpEndsWith:
			if _, ok := c.Value.(string); !ok {
				add(".value", "NOT_STRING", fmt.Sprintf("operator %q needs a string value", c.Operator))
			}
		}
	default:
		add(".type", "INVALID_TYPE", fmt.Sprintf("condition type must be simple or compound, got %q", c.Type))
	}
}

func checkFieldPath(field string) error {
	for _, part := range strings.Split(field, ".") {
		if part == "" {
			return fmt.Errorf("field %q has an empty path segment", field)
		}
	}
	if strings.HasPrefix(field, "steps.") && strings.Count(field, ".") < 2 {
		return fmt.Errorf("field %q must name a step and a path", field)
	}
	return nil
}

// Evaluate validates c and evaluates it against ctx. It never panics;
// any failure is reported through Result.
func Evaluate(c model.Condition, ctx Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failed("condition evaluation panicked: %v", r)
		}
	}()

	if err := Validate(c); err != nil {
		return Result{Error: describe(err)}
	}
	v, err := eval(c, ctx)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Value: v}
}

func describe(err error) string {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || len(env.Details) == 0 {
		return err.Error()
	}
	msgs := make([]string, len(env.Details))
	for i, d := range env.Details {
		msgs[i] = d.Field + ": " + d.Message
	}
	return strings.Join(msgs, "; ")
}

func eval(c model.Condition, ctx Context) (bool, error) {
	if c.Kind() == model.ConditionCompound {
		for _, nested := range c.Conditions {
			v, err := eval(nested, ctx)
			if err != nil {
				return false, err
			}
			if c.Logic == model.LogicAnd && !v {
				return false, nil
			}
			if c.Logic == model.LogicOr && v {
				return true, nil
			}
		}
		return c.Logic == model.LogicAnd, nil
	}

	actual, found := resolve(c.Field, ctx)
	return compare(canonical(c.Operator), c.Field, actual, found, c.Value)
}

// resolve looks up a field path against its root.
func resolve(field string, ctx Context) (any, bool) {
	root, path, ok := strings.Cut(field, ".")
	if !ok {
		return lookup(ctx.Shared, field)
	}
	switch root {
	case "context", "workflow":
		return lookup(ctx.Shared, path)
	case "step":
		return lookup(ctx.Step, path)
	case "steps":
		stepID, rest, _ := strings.Cut(path, ".")
		return lookup(ctx.Steps[stepID], rest)
	case "matter", "contact":
		return lookup(ctx.Subject, path)
	default:
		return lookup(ctx.Shared, field)
	}
}

// lookup navigates a dot-separated path through nested maps.
func lookup(data map[string]any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compare(op, field string, actual any, found bool, expected any) (bool, error) {
	switch op {
	case OpExists:
		return found && actual != nil, nil
	case OpNotExists:
		return !found || actual == nil, nil
	case OpIsEmpty:
		return isEmpty(actual), nil
	case OpIsNotEmpty:
		return !isEmpty(actual), nil
	case OpEquals:
		return equal(actual, expected), nil
	case OpNotEquals:
		return !equal(actual, expected), nil
	case OpGreaterThan, OpLessThan, OpGreaterEq, OpLessEq:
		a, ok := model.ToFloat(actual)
		if !ok {
			return false, fmt.Errorf("field %q is %s, not a number, and cannot be compared with %q", field, typeName(actual, found), op)
		}
		b, _ := model.ToFloat(expected)
		switch op {
		case OpGreaterThan:
			return a > b, nil
		case OpLessThan:
			return a < b, nil
		case OpGreaterEq:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		if s, ok := actual.(string); ok {
			sub, ok := expected.(string)
			if !ok {
				return false, fmt.Errorf("field %q is a string; contains needs a string value", field)
			}
			return strings.Contains(s, sub), nil
		}
		if list, ok := asList(actual); ok {
			return member(expected, list), nil
		}
		if !found || actual == nil {
			return false, nil
		}
		return false, fmt.Errorf("field %q is %s; contains needs a string or list", field, typeName(actual, found))
	case OpStartsWith, OpEndsWith:
		if !found || actual == nil {
			return false, nil
		}
		s, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("field %q is %s; %s needs a string", field, typeName(actual, found), op)
		}
		if op == OpStartsWith {
			return strings.HasPrefix(s, expected.(string)), nil
		}
		return strings.HasSuffix(s, expected.(string)), nil
	case OpIn, OpNotIn:
		list, _ := asList(expected)
		in := found && member(actual, list)
		if op == OpIn {
			return in, nil
		}
		return !in, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func equal(a, b any) bool {
	if fa, ok := model.ToFloat(a); ok {
		if fb, ok := model.ToFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func member(v any, list []any) bool {
	for _, item := range list {
		if equal(v, item) {
			return true
		}
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x) == ""
	case map[string]any:
		return len(x) == 0
	}
	if l, ok := asList(v); ok {
		return len(l) == 0
	}
	return false
}

func typeName(v any, found bool) string {
	if !found {
		return "missing"
	}
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("a %T", v)
}
