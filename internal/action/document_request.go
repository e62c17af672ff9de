package action

import (
	"fmt"

	"github.com/pitabwire/matterflow/model"
)

// EventDocumentUploaded reports that a requested document was uploaded.
const EventDocumentUploaded = "DOCUMENT_UPLOADED"

const documentsStatusKey = "documentsStatus"

// RequestedDocument is one document a DOCUMENT_REQUEST step asks for.
type RequestedDocument struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// DocumentRequestConfig configures a DOCUMENT_REQUEST step.
type DocumentRequestConfig struct {
	Documents []RequestedDocument `json:"documents"`
}

// DocumentStatus is one ledger entry tracking an upload.
type DocumentStatus struct {
	Name       string `json:"name"`
	Required   bool   `json:"required"`
	Uploaded   bool   `json:"uploaded"`
	DocumentID string `json:"documentId,omitempty"`
	UploadedAt string `json:"uploadedAt,omitempty"`
	UploadedBy string `json:"uploadedBy,omitempty"`
}

// Upload links a requested document name to a stored document.
type Upload struct {
	DocumentName string `json:"documentName"`
	DocumentID   string `json:"documentId"`
}

// DocumentRequestHandler keeps a per-document upload ledger. The step
// completes only once every requested document has an upload; partial
// fulfilment keeps it IN_PROGRESS.
type DocumentRequestHandler struct {
	Base
}

// NewDocumentRequestHandler creates the DOCUMENT_REQUEST handler.
func NewDocumentRequestHandler() *DocumentRequestHandler {
	return &DocumentRequestHandler{Base: Base{ActionType: model.ActionDocumentRequest}}
}

func (h *DocumentRequestHandler) config(raw map[string]any) (DocumentRequestConfig, error) {
	var cfg DocumentRequestConfig
	if err := decodeConfig(h.ActionType, raw, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Documents) == 0 {
		return cfg, configError(h.ActionType, "documents", "at least one document is required")
	}
	seen := make(map[string]bool, len(cfg.Documents))
	for i, d := range cfg.Documents {
		if d.Name == "" {
			return cfg, configError(h.ActionType, fmt.Sprintf("documents[%d].name", i), "document name is required")
		}
		if seen[d.Name] {
			return cfg, configError(h.ActionType, fmt.Sprintf("documents[%d].name", i), fmt.Sprintf("duplicate document %q", d.Name))
		}
		seen[d.Name] = true
	}
	return cfg, nil
}

// ValidateConfig implements Handler.
func (h *DocumentRequestHandler) ValidateConfig(raw map[string]any) error {
	_, err := h.config(raw)
	return err
}

// SeedData builds the initial ledger with nothing uploaded.
func (h *DocumentRequestHandler) SeedData(raw map[string]any) (map[string]any, error) {
	cfg, err := h.config(raw)
	if err != nil {
		return nil, err
	}
	ledger := make([]DocumentStatus, len(cfg.Documents))
	for i, d := range cfg.Documents {
		ledger[i] = DocumentStatus{Name: d.Name, Required: d.Required}
	}
	return map[string]any{documentsStatusKey: toData(ledger)}, nil
}

func (h *DocumentRequestHandler) ledger(rc *RuntimeContext) ([]DocumentStatus, error) {
	if _, ok := rc.Data[documentsStatusKey]; !ok {
		seed, err := h.SeedData(rc.Config)
		if err != nil {
			return nil, err
		}
		rc.Data[documentsStatusKey] = seed[documentsStatusKey]
	}
	var ledger []DocumentStatus
	if err := decodeData(rc.Data[documentsStatusKey], &ledger); err != nil {
		return nil, model.NewPreconditionError(fmt.Sprintf("document ledger is corrupt: %v", err))
	}
	return ledger, nil
}

// apply records u in the ledger and reports whether it changed anything.
func apply(ledger []DocumentStatus, u Upload, rc *RuntimeContext) (bool, error) {
	if u.DocumentName == "" || u.DocumentID == "" {
		return false, payloadError("uploads", "REQUIRED", "documentName and documentId are required")
	}
	for i := range ledger {
		if ledger[i].Name != u.DocumentName {
			continue
		}
		if ledger[i].Uploaded && ledger[i].DocumentID == u.DocumentID {
			return false, nil
		}
		ledger[i].Uploaded = true
		ledger[i].DocumentID = u.DocumentID
		ledger[i].UploadedAt = timestamp(rc.Now)
		ledger[i].UploadedBy = rc.Actor.ID
		return true, nil
	}
	return false, payloadError("documentName", "UNKNOWN_DOCUMENT", fmt.Sprintf("document %q was not requested", u.DocumentName))
}

func allUploaded(ledger []DocumentStatus) bool {
	for _, d := range ledger {
		if !d.Uploaded {
			return false
		}
	}
	return true
}

// finish stores the ledger and resolves the next state.
func (h *DocumentRequestHandler) finish(rc *RuntimeContext, ledger []DocumentStatus, partial model.ActionState) (model.ActionState, error) {
	rc.Data[documentsStatusKey] = toData(ledger)
	if !allUploaded(ledger) {
		return partial, nil
	}
	if err := rc.UpdateContext("allDocumentsUploaded", true); err != nil {
		return "", err
	}
	return model.StateCompleted, nil
}

// Complete applies uploads[{documentName, documentId}] from the payload.
func (h *DocumentRequestHandler) Complete(rc *RuntimeContext, payload map[string]any) (model.ActionState, error) {
	ledger, err := h.ledger(rc)
	if err != nil {
		return "", err
	}
	var uploads []Upload
	if raw, ok := payload["uploads"]; ok && raw != nil {
		if err := decodeData(raw, &uploads); err != nil {
			return "", payloadError("uploads", "INVALID", "uploads must be a list of {documentName, documentId}")
		}
	}

	changed := false
	for _, u := range uploads {
		c, err := apply(ledger, u, rc)
		if err != nil {
			return "", err
		}
		changed = changed || c
	}
	if !changed && !allUploaded(ledger) {
		return "", payloadError("uploads", "INCOMPLETE", "not all requested documents have been uploaded")
	}
	return h.finish(rc, ledger, model.StateInProgress)
}

// NextStateOnEvent consumes DOCUMENT_UPLOADED events and completes the
// step once the ledger is full.
func (h *DocumentRequestHandler) NextStateOnEvent(rc *RuntimeContext, ev Event) (model.ActionState, error) {
	if ev.Type != EventDocumentUploaded {
		return "", unsupportedEvent(h.ActionType, ev.Type)
	}
	ledger, err := h.ledger(rc)
	if err != nil {
		return "", err
	}
	name, err := payloadString(ev.Payload, "documentName")
	if err != nil {
		return "", err
	}
	docID, err := payloadString(ev.Payload, "documentId")
	if err != nil {
		return "", err
	}
	if _, err := apply(ledger, Upload{DocumentName: name, DocumentID: docID}, rc); err != nil {
		return "", err
	}
	return h.finish(rc, ledger, "")
}
