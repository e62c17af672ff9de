package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/matterflow/internal/workflow"
	"github.com/pitabwire/matterflow/model"
)

const (
	maxBodyBytes    = 1 << 20
	defaultPageSize = 50
	maxPageSize     = 200
)

func handleInstanceCreate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req workflow.InstantiateRequest
		if err := decodeBody(w, r, &req, false); err != nil {
			WriteError(w, err)
			return
		}

		view, err := engine.InstantiateTemplate(r.Context(), req, rctx.Actor())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, view)
	}
}

func handleInstanceGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := engine.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleInstanceList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := model.InstanceFilters{
			Status:     model.InstanceStatus(q.Get("status")),
			TemplateID: q.Get("template_id"),
			MatterID:   q.Get("matter_id"),
			ContactID:  q.Get("contact_id"),
			Limit:      min(max(queryInt(r, "limit", defaultPageSize), 1), maxPageSize),
			Offset:     max(queryInt(r, "offset", 0), 0),
		}

		instances, err := engine.ListInstances(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   instances,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

// instanceOp is the shape of the engine's body-less instance operations,
// e.g. (*workflow.Engine).ActivateInstance.
type instanceOp func(ctx context.Context, instanceID string, actor model.Actor) (workflow.InstanceView, error)

func handleInstanceAction(op instanceOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		view, err := op(r.Context(), chi.URLParam(r, "instanceId"), rctx.Actor())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleInstanceCancel(engine *workflow.Engine) http.HandlerFunc {
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

		view, err := engine.CancelInstance(r.Context(), chi.URLParam(r, "instanceId"), rctx.Actor(), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleInstanceNotifications(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := engine.ListNotifications(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": records})
	}
}

// decodeBody decodes a JSON request body into v. When optional is set an
// empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
