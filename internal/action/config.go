package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/matterflow/model"
)

// decodeConfig decodes a map configuration into a typed struct, rejecting
// unknown keys.
func decodeConfig(actionType model.ActionType, raw map[string]any, out any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return configError(actionType, "", fmt.Sprintf("config is not serializable: %v", err))
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return configError(actionType, "", fmt.Sprintf("config does not match schema: %v", err))
	}
	return nil
}

// decodeData converts a handler data value, typically a ledger persisted as
// generic JSON, back into a typed value.
func decodeData(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// toData converts a typed value into the generic form stored in handler
// data so it survives persistence unchanged.
func toData(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func configError(actionType model.ActionType, field, msg string) *model.ErrorEnvelope {
	f := "config"
	if field != "" {
		f += "." + field
	}
	return &model.ErrorEnvelope{
		Code:    model.ErrValidationError,
		Message: fmt.Sprintf("%s config: %s", strings.ToLower(string(actionType)), msg),
		Details: []model.FieldError{{Field: f, Code: "INVALID_CONFIG", Message: msg}},
	}
}

func payloadError(field, code, msg string) *model.ErrorEnvelope {
	return model.NewFieldValidationError("payload."+field, code, msg)
}

func unsupportedEvent(actionType model.ActionType, eventType string) *model.ErrorEnvelope {
	return model.NewFieldValidationError("event.type", "UNSUPPORTED_EVENT",
		fmt.Sprintf("%s steps do not accept %q events", strings.ToLower(string(actionType)), eventType))
}

func payloadBool(payload map[string]any, key string) (value, present bool, err error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return false, false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, true, payloadError(key, "NOT_BOOLEAN", fmt.Sprintf("%s must be a boolean", key))
	}
	return b, true, nil
}

func payloadString(payload map[string]any, key string) (string, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", payloadError(key, "NOT_STRING", fmt.Sprintf("%s must be a string", key))
	}
	return s, nil
}

func payloadStrings(payload map[string]any, key string) ([]string, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch l := raw.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, payloadError(key, "NOT_STRING_LIST", fmt.Sprintf("%s must be a list of strings", key))
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, payloadError(key, "NOT_STRING_LIST", fmt.Sprintf("%s must be a list of strings", key))
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
