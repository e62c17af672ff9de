package action

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/matterflow/model"
)

// Registry maps action types to handlers. It is constructed once by the
// composition root and passed to the orchestrator.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.ActionType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.ActionType]Handler)}
}

// NewDefaultRegistry creates a registry holding every built-in handler.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range []Handler{
		NewApprovalHandler(),
		NewSignatureHandler(),
		NewPaymentHandler(),
		NewChecklistHandler(),
		NewDocumentRequestHandler(),
		NewFreeTextHandler(),
		NewQuestionnaireHandler(),
		NewEmailAutomationHandler(),
		NewWebhookAutomationHandler(),
	} {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a handler. Registering a second handler for the same type
// is an error.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("action: handler for %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Override registers h, replacing any existing handler for its type.
func (r *Registry) Override(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for t. An unknown type is a configuration error.
func (r *Registry) Get(t model.ActionType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, model.NewFieldValidationError("actionType", "UNKNOWN_ACTION_TYPE",
			fmt.Sprintf("no handler registered for action type %q", t))
	}
	return h, nil
}

// Types returns the registered action types in sorted order.
func (r *Registry) Types() []model.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateStepConfig resolves the handler for actionType and validates
// config against it.
func (r *Registry) ValidateStepConfig(actionType model.ActionType, config map[string]any) error {
	h, err := r.Get(actionType)
	if err != nil {
		return err
	}
	return h.ValidateConfig(config)
}
