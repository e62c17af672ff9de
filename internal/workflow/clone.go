package workflow

import (
	"time"

	"github.com/pitabwire/matterflow/model"
)

// The memory store hands out deep copies so callers can never mutate
// committed state through a shared map or slice.

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneCondition(c *model.Condition) *model.Condition {
	if c == nil {
		return nil
	}
	out := *c
	out.Value = cloneValue(c.Value)
	if c.Conditions != nil {
		out.Conditions = make([]model.Condition, len(c.Conditions))
		for i := range c.Conditions {
			out.Conditions[i] = *cloneCondition(&c.Conditions[i])
		}
	}
	return &out
}

func cloneContext(c model.SharedContext) model.SharedContext {
	if c == nil {
		return nil
	}
	out := make(model.SharedContext, len(c))
	for k, v := range c {
		out[k] = model.ContextValue{Kind: v.Kind, Value: cloneValue(v.Value)}
	}
	return out
}

func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	out := inst
	out.Context = cloneContext(inst.Context)
	out.CompletedAt = cloneTime(inst.CompletedAt)
	out.CanceledAt = cloneTime(inst.CanceledAt)
	return out
}

func cloneStep(s model.InstanceStep) model.InstanceStep {
	out := s
	out.ActionData = model.ActionData{
		Config: cloneMap(s.ActionData.Config),
		Data:   cloneMap(s.ActionData.Data),
	}
	if s.ActionData.History != nil {
		out.ActionData.History = make([]model.HistoryEntry, len(s.ActionData.History))
		for i, h := range s.ActionData.History {
			h.Payload = cloneMap(h.Payload)
			out.ActionData.History[i] = h
		}
	}
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.DueAt = cloneTime(s.DueAt)
	out.DependsOn = append([]string(nil), s.DependsOn...)
	out.Branches = append([]model.Branch(nil), s.Branches...)
	out.Condition = cloneCondition(s.Condition)
	return out
}

func cloneSteps(steps []model.InstanceStep) []model.InstanceStep {
	out := make([]model.InstanceStep, len(steps))
	for i, s := range steps {
		out[i] = cloneStep(s)
	}
	return out
}

func cloneTemplate(t model.WorkflowTemplate) model.WorkflowTemplate {
	out := t
	out.Steps = make([]model.TemplateStep, len(t.Steps))
	for i, s := range t.Steps {
		s.Config = cloneMap(s.Config)
		s.Notifications = append([]model.NotificationPolicy(nil), s.Notifications...)
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.Branches = append([]model.Branch(nil), s.Branches...)
		s.Condition = cloneCondition(s.Condition)
		out.Steps[i] = s
	}
	return out
}
