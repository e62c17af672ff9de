package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/matterflow/internal/workflow"
	"github.com/pitabwire/matterflow/model"
)

func handleTemplateRegister(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tpl model.WorkflowTemplate
		if err := decodeBody(w, r, &tpl, false); err != nil {
			WriteError(w, err)
			return
		}

		stored, err := engine.RegisterTemplate(r.Context(), tpl)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, stored)
	}
}

func handleTemplateValidate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tpl model.WorkflowTemplate
		if err := decodeBody(w, r, &tpl, false); err != nil {
			WriteError(w, err)
			return
		}
		if err := engine.ValidateTemplate(tpl); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"valid": true})
	}
}

func handleTemplateGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpl, err := engine.GetTemplate(r.Context(), chi.URLParam(r, "templateRef"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func handleTemplateList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpls, err := engine.ListTemplates(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		if key := r.URL.Query().Get("key"); key != "" {
			filtered := tpls[:0]
			for _, t := range tpls {
				if t.Key == key {
					filtered = append(filtered, t)
				}
			}
			tpls = filtered
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tpls})
	}
}
