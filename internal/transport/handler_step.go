package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/matterflow/internal/action"
	"github.com/pitabwire/matterflow/internal/workflow"
	"github.com/pitabwire/matterflow/model"
)

// stepOp is the shape of the engine's body-less step operations, e.g.
// (*workflow.Engine).StartStep.
type stepOp func(ctx context.Context, instanceID, stepID string, actor model.Actor) (model.InstanceStep, error)

func handleStepGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := engine.GetStep(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleStepAction(op stepOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		st, err := op(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"), rctx.Actor())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleStepComplete(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Payload map[string]any `json:"payload"`
		}
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		st, err := engine.CompleteStep(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"),
			rctx.Actor(), body.Payload)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// reasonOp is the shape of step operations that take a free-text reason.
type reasonOp func(ctx context.Context, instanceID, stepID string, actor model.Actor, reason string) (model.InstanceStep, error)

func handleStepWithReason(op reasonOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		st, err := op(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"), rctx.Actor(), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleStepEvent(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var ev action.Event
		if err := decodeBody(w, r, &ev, false); err != nil {
			WriteError(w, err)
			return
		}
		if ev.Type == "" {
			WriteError(w, model.NewFieldValidationError("type", "REQUIRED", "event type is required"))
			return
		}
		if ev.ID == "" {
			ev.ID = r.Header.Get("Idempotency-Key")
		}

		st, err := engine.ApplyEvent(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"), rctx.Actor(), ev)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}
