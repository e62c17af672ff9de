package model

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ValueKind tags the dynamic type carried by a ContextValue.
type ValueKind string

// Value kinds.
const (
	KindNull   ValueKind = "null"
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
	KindObject ValueKind = "object"
	KindList   ValueKind = "list"
)

// ContextValue is a typed envelope around a shared-context value.
type ContextValue struct {
	Kind  ValueKind `json:"kind"`
	Value any       `json:"value"`
}

// NewContextValue wraps v, normalising Go numeric types to float64 so the
// envelope survives a JSON round trip unchanged.
func NewContextValue(v any) (ContextValue, error) {
	switch x := v.(type) {
	case nil:
		return ContextValue{Kind: KindNull}, nil
	case string:
		return ContextValue{Kind: KindString, Value: x}, nil
	case bool:
		return ContextValue{Kind: KindBool, Value: x}, nil
	case map[string]any:
		return ContextValue{Kind: KindObject, Value: x}, nil
	case []any:
		return ContextValue{Kind: KindList, Value: x}, nil
	case []string:
		list := make([]any, len(x))
		for i, s := range x {
			list[i] = s
		}
		return ContextValue{Kind: KindList, Value: list}, nil
	}
	if f, ok := ToFloat(v); ok {
		return ContextValue{Kind: KindNumber, Value: f}, nil
	}
	return ContextValue{}, fmt.Errorf("unsupported context value type %T", v)
}

// MustContextValue is NewContextValue for literals known to be valid.
func MustContextValue(v any) ContextValue {
	cv, err := NewContextValue(v)
	if err != nil {
		panic(err)
	}
	return cv
}

// UnmarshalJSON restores numbers as float64 and validates the kind tag.
func (v *ContextValue) UnmarshalJSON(b []byte) error {
	var raw struct {
		Kind  ValueKind `json:"kind"`
		Value any       `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	cv, err := NewContextValue(raw.Value)
	if err != nil {
		return err
	}
	if raw.Kind != "" && raw.Kind != cv.Kind {
		return fmt.Errorf("context value kind %q does not match value of kind %q", raw.Kind, cv.Kind)
	}
	*v = cv
	return nil
}

// SharedContext holds the facts accumulated across an instance's steps.
type SharedContext map[string]ContextValue

// Get returns the raw value stored under key.
func (c SharedContext) Get(key string) (any, bool) {
	v, ok := c[key]
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// Bool returns the value under key if it is a bool.
func (c SharedContext) Bool(key string) (bool, bool) {
	v, ok := c[key]
	if !ok || v.Kind != KindBool {
		return false, false
	}
	b, ok := v.Value.(bool)
	return b, ok
}

// String returns the value under key if it is a string.
func (c SharedContext) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok || v.Kind != KindString {
		return "", false
	}
	s, ok := v.Value.(string)
	return s, ok
}

// Number returns the value under key if it is numeric.
func (c SharedContext) Number(key string) (float64, bool) {
	v, ok := c[key]
	if !ok || v.Kind != KindNumber {
		return 0, false
	}
	return ToFloat(v.Value)
}

// Merge returns a new context with updates applied over c. Existing keys not
// present in updates are preserved.
func (c SharedContext) Merge(updates map[string]ContextValue) SharedContext {
	out := make(SharedContext, len(c)+len(updates))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// Raw flattens the context into plain values for expression evaluation.
func (c SharedContext) Raw() map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v.Value
	}
	return out
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
