package action

import (
	"fmt"

	"github.com/pitabwire/matterflow/model"
)

// Signature provider events.
const (
	EventSignatureSessionCreated = "SIGNATURE_SESSION_CREATED"
	EventSignatureCompleted      = "SIGNATURE_COMPLETED"
	EventSignatureDeclined       = "SIGNATURE_DECLINED"
)

// SignatureConfig configures a SIGNATURE step. The document to sign is
// either fixed (DocumentID) or taken from the data of an earlier step.
type SignatureConfig struct {
	DocumentID       string   `json:"documentId"`
	DocumentFromStep string   `json:"documentFromStep"`
	Signers          []string `json:"signers"`
}

// SignatureHandler drives an e-signature session. Sessions are provisioned
// externally and reported back through events.
type SignatureHandler struct {
	Base
}

// NewSignatureHandler creates the SIGNATURE handler.
func NewSignatureHandler() *SignatureHandler {
	return &SignatureHandler{Base: Base{ActionType: model.ActionSignature}}
}

func (h *SignatureHandler) config(raw map[string]any) (SignatureConfig, error) {
	var cfg SignatureConfig
	if err := decodeConfig(h.ActionType, raw, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Signers) == 0 {
		return cfg, configError(h.ActionType, "signers", "at least one signer is required")
	}
	for i, s := range cfg.Signers {
		if s == "" {
			return cfg, configError(h.ActionType, fmt.Sprintf("signers[%d]", i), "signer must not be empty")
		}
	}
	if cfg.DocumentID != "" && cfg.DocumentFromStep != "" {
		return cfg, configError(h.ActionType, "documentId", "documentId and documentFromStep are mutually exclusive")
	}
	return cfg, nil
}

// ValidateConfig implements Handler.
func (h *SignatureHandler) ValidateConfig(raw map[string]any) error {
	_, err := h.config(raw)
	return err
}

// Start binds the document to sign.
func (h *SignatureHandler) Start(rc *RuntimeContext) (model.ActionState, error) {
	cfg, err := h.config(rc.Config)
	if err != nil {
		return "", err
	}
	rc.Data["signers"] = toData(cfg.Signers)

	switch {
	case cfg.DocumentID != "":
		rc.Data["documentId"] = cfg.DocumentID
	case cfg.DocumentFromStep != "":
		src := rc.StepByTemplateID(cfg.DocumentFromStep)
		if src == nil {
			return "", model.NewPreconditionError(fmt.Sprintf("document source step %q not found", cfg.DocumentFromStep))
		}
		docID := documentFromData(src.ActionData.Data)
		if docID == "" {
			return "", model.NewPreconditionError(fmt.Sprintf("step %q has no document to sign yet", src.Title))
		}
		rc.Data["documentId"] = docID
	}
	return "", nil
}

// documentFromData finds a document id in another step's data: either a
// direct documentId or the first uploaded entry of a document ledger.
func documentFromData(data map[string]any) string {
	if id := dataString(data, "documentId"); id != "" {
		return id
	}
	var ledger []DocumentStatus
	if err := decodeData(data[documentsStatusKey], &ledger); err != nil {
		return ""
	}
	for _, d := range ledger {
		if d.Uploaded && d.DocumentID != "" {
			return d.DocumentID
		}
	}
	return ""
}

// Complete requires a provisioned session and a bound document.
func (h *SignatureHandler) Complete(rc *RuntimeContext, payload map[string]any) (model.ActionState, error) {
	if dataString(rc.Data, "sessionId") == "" {
		return "", model.NewPreconditionError("signature session has not been created")
	}
	if dataString(rc.Data, "documentId") == "" {
		return "", model.NewPreconditionError("no document is bound to this signature step")
	}
	signed, err := payloadString(payload, "signedDocumentId")
	if err != nil {
		return "", err
	}
	if signed != "" {
		rc.Data["signedDocumentId"] = signed
	}
	rc.Data["signedAt"] = timestamp(rc.Now)
	if err := rc.UpdateContext("signatureCompleted", true); err != nil {
		return "", err
	}
	return "", nil
}

// NextStateOnEvent consumes signature provider callbacks.
func (h *SignatureHandler) NextStateOnEvent(rc *RuntimeContext, ev Event) (model.ActionState, error) {
	switch ev.Type {
	case EventSignatureSessionCreated:
		sessionID, err := payloadString(ev.Payload, "sessionId")
		if err != nil {
			return "", err
		}
		if sessionID == "" {
			return "", payloadError("sessionId", "REQUIRED", "sessionId is required")
		}
		rc.Data["sessionId"] = sessionID
		if docID, _ := payloadString(ev.Payload, "documentId"); docID != "" && dataString(rc.Data, "documentId") == "" {
			rc.Data["documentId"] = docID
		}
		return "", nil

	case EventSignatureCompleted:
		if dataString(rc.Data, "sessionId") == "" {
			return "", model.NewPreconditionError("signature session has not been created")
		}
		if signed, _ := payloadString(ev.Payload, "signedDocumentId"); signed != "" {
			rc.Data["signedDocumentId"] = signed
		}
		rc.Data["signedAt"] = timestamp(rc.Now)
		if err := rc.UpdateContext("signatureCompleted", true); err != nil {
			return "", err
		}
		return model.StateCompleted, nil

	case EventSignatureDeclined:
		reason, _ := payloadString(ev.Payload, "reason")
		rc.Data["declinedAt"] = timestamp(rc.Now)
		if reason != "" {
			rc.Data["declinedReason"] = reason
		}
		return model.StateBlocked, nil
	}
	return "", unsupportedEvent(h.ActionType, ev.Type)
}
