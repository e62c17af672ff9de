package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/matterflow/model"
)

func newRC(config map[string]any) *RuntimeContext {
	return &RuntimeContext{
		Ctx:      context.Background(),
		Instance: &model.WorkflowInstance{ID: "inst-1", Context: model.SharedContext{}},
		Step:     &model.InstanceStep{ID: "step-1", ActionState: model.StateInProgress},
		Actor:    model.Actor{ID: "lawyer-1"},
		Config:   config,
		Data:     map[string]any{},
		Now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func update(t *testing.T, rc *RuntimeContext, key string) any {
	t.Helper()
	v, ok := rc.ContextUpdates()[key]
	require.True(t, ok, "context update %q not recorded", key)
	return v.Value
}

// --- approval ---

func TestApproval_CompleteRecordsDecision(t *testing.T) {
	h := NewApprovalHandler()
	rc := newRC(map[string]any{"contextKey": "clientApproved"})

	state, err := h.Complete(rc, map[string]any{"approved": false, "comment": " needs changes "})
	require.NoError(t, err)
	assert.Equal(t, model.ActionState(""), state)

	decision := rc.Data["decision"].(map[string]any)
	assert.Equal(t, false, decision["approved"])
	assert.Equal(t, "needs changes", decision["comment"])
	assert.Equal(t, "lawyer-1", decision["by"])
	assert.Equal(t, false, update(t, rc, "clientApproved"))
}

func TestApproval_CompleteValidation(t *testing.T) {
	h := NewApprovalHandler()

	_, err := h.Complete(newRC(nil), map[string]any{})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err), "approved missing")

	_, err = h.Complete(newRC(nil), map[string]any{"approved": "yes"})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err), "approved not bool")

	_, err = h.Complete(newRC(map[string]any{"requireCommentOnReject": true}), map[string]any{"approved": false})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err), "reject without comment")

	_, err = h.Complete(newRC(map[string]any{"requireCommentOnReject": true}), map[string]any{"approved": true})
	assert.NoError(t, err, "approve without comment")

	_, err = h.Complete(newRC(map[string]any{"requireComment": true}), map[string]any{"approved": true})
	assert.Error(t, err, "requireComment")
}

func TestApproval_CanStartDesignatedApprover(t *testing.T) {
	h := NewApprovalHandler()
	rc := newRC(map[string]any{"approverId": "partner-9"})
	err := h.CanStart(rc)
	assert.Equal(t, model.ErrPrecondition, model.CodeOf(err))

	rc.ActorIsAdmin = true
	assert.NoError(t, h.CanStart(rc))

	rc = newRC(map[string]any{"approverId": "lawyer-1"})
	assert.NoError(t, h.CanStart(rc))
}

func TestApproval_RejectsUnknownConfigKeys(t *testing.T) {
	err := NewApprovalHandler().ValidateConfig(map[string]any{"quorum": 2})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err))
}

// --- signature ---

func TestSignature_Lifecycle(t *testing.T) {
	h := NewSignatureHandler()
	rc := newRC(map[string]any{"documentId": "doc-7", "signers": []any{"client-1"}})

	_, err := h.Start(rc)
	require.NoError(t, err)
	assert.Equal(t, "doc-7", rc.Data["documentId"])

	_, err = h.Complete(rc, nil)
	assert.Equal(t, model.ErrPrecondition, model.CodeOf(err), "complete without session")

	state, err := h.NextStateOnEvent(rc, Event{Type: EventSignatureSessionCreated, Payload: map[string]any{"sessionId": "sess-1"}})
	require.NoError(t, err)
	assert.Equal(t, model.ActionState(""), state)

	state, err = h.NextStateOnEvent(rc, Event{Type: EventSignatureCompleted})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, state)
	assert.Equal(t, true, update(t, rc, "signatureCompleted"))
}

func TestSignature_DeclinedBlocks(t *testing.T) {
	h := NewSignatureHandler()
	rc := newRC(map[string]any{"signers": []any{"client-1"}})
	state, err := h.NextStateOnEvent(rc, Event{Type: EventSignatureDeclined, Payload: map[string]any{"reason": "wrong name"}})
	require.NoError(t, err)
	assert.Equal(t, model.StateBlocked, state)
	assert.Equal(t, "wrong name", rc.Data["declinedReason"])
}

func TestSignature_DocumentFromStep(t *testing.T) {
	h := NewSignatureHandler()
	rc := newRC(map[string]any{"documentFromStep": "collect", "signers": []any{"client-1"}})
	rc.Siblings = []model.InstanceStep{{
		ID: "s-collect", TemplateStepID: "collect", Title: "Collect",
		ActionData: model.ActionData{Data: map[string]any{
			"documentsStatus": []any{
				map[string]any{"name": "ID", "uploaded": true, "documentId": "doc-id"},
			},
		}},
	}}
	_, err := h.Start(rc)
	require.NoError(t, err)
	assert.Equal(t, "doc-id", rc.Data["documentId"])

	rc = newRC(map[string]any{"documentFromStep": "missing", "signers": []any{"client-1"}})
	_, err = h.Start(rc)
	assert.Equal(t, model.ErrPrecondition, model.CodeOf(err))
}

func TestSignature_ConfigValidation(t *testing.T) {
	h := NewSignatureHandler()
	assert.Error(t, h.ValidateConfig(map[string]any{}))
	assert.Error(t, h.ValidateConfig(map[string]any{"signers": []any{"a"}, "documentId": "d", "documentFromStep": "s"}))
	assert.NoError(t, h.ValidateConfig(map[string]any{"signers": []any{"a"}}))
}

// --- payment ---

func TestPayment_Lifecycle(t *testing.T) {
	h := NewPaymentHandler()
	cfg := map[string]any{"amount": 450.0, "currency": "USD", "description": "Retainer"}
	require.NoError(t, h.ValidateConfig(cfg))

	rc := newRC(cfg)
	seed, err := h.SeedData(cfg)
	require.NoError(t, err)
	rc.Data = seed

	_, err = h.Complete(rc, nil)
	assert.Equal(t, model.ErrPrecondition, model.CodeOf(err), "complete without intent")

	_, err = h.NextStateOnEvent(rc, Event{Type: EventPaymentIntentCreated, Payload: map[string]any{"intentId": "pi_1"}})
	require.NoError(t, err)

	state, err := h.NextStateOnEvent(rc, Event{Type: EventPaymentSucceeded})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, state)
	assert.Equal(t, true, update(t, rc, "paymentReceived"))
}

func TestPayment_FailedEventBlocks(t *testing.T) {
	h := NewPaymentHandler()
	state, err := h.NextStateOnEvent(newRC(nil), Event{Type: EventPaymentFailed})
	require.NoError(t, err)
	assert.Equal(t, model.StateBlocked, state)
}

func TestPayment_ConfigValidation(t *testing.T) {
	h := NewPaymentHandler()
	assert.Error(t, h.ValidateConfig(map[string]any{"amount": 0, "currency": "USD"}))
	assert.Error(t, h.ValidateConfig(map[string]any{"amount": 10, "currency": "usd"}))
	assert.Error(t, h.ValidateConfig(map[string]any{"amount": 10, "currency": "USD", "tip": 1}))
}

func TestPayment_UnknownEvent(t *testing.T) {
	_, err := NewPaymentHandler().NextStateOnEvent(newRC(nil), Event{Type: "REFUNDED"})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err))
}

// --- checklist ---

func TestChecklist_Complete(t *testing.T) {
	h := NewChecklistHandler()
	cfg := map[string]any{"items": []any{
		map[string]any{"id": "conflict", "label": "Conflict check", "required": true},
		map[string]any{"id": "kyc", "label": "KYC", "required": true},
		map[string]any{"id": "welcome", "label": "Welcome pack"},
	}}
	require.NoError(t, h.ValidateConfig(cfg))

	_, err := h.Complete(newRC(cfg), map[string]any{"completedItems": []any{"conflict"}})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err), "missing required item")

	_, err = h.Complete(newRC(cfg), map[string]any{"completedItems": []any{"conflict", "kyc", "other"}})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err), "unknown item")

	rc := newRC(cfg)
	_, err = h.Complete(rc, map[string]any{"completedItems": []any{"kyc", "conflict", "kyc"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"conflict", "kyc"}, rc.Data["completedItems"])
}

func TestChecklist_DuplicateIDs(t *testing.T) {
	err := NewChecklistHandler().ValidateConfig(map[string]any{"items": []any{
		map[string]any{"id": "a"}, map[string]any{"id": "a"},
	}})
	assert.Error(t, err)
}

// --- document request ---

func TestDocumentRequest_UploadScenario(t *testing.T) {
	h := NewDocumentRequestHandler()
	cfg := map[string]any{"documents": []any{map[string]any{"name": "ID", "required": true}}}
	rc := newRC(cfg)
	seed, err := h.SeedData(cfg)
	require.NoError(t, err)
	rc.Data = seed

	_, err = h.Complete(rc, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err))

	state, err := h.NextStateOnEvent(rc, Event{Type: EventDocumentUploaded, Payload: map[string]any{
		"documentName": "ID", "documentId": "d1",
	}})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, state)
	assert.Equal(t, true, update(t, rc, "allDocumentsUploaded"))

	var ledger []DocumentStatus
	require.NoError(t, decodeData(rc.Data["documentsStatus"], &ledger))
	assert.Equal(t, "d1", ledger[0].DocumentID)
	assert.True(t, ledger[0].Uploaded)
}

func TestDocumentRequest_PartialCompleteStaysInProgress(t *testing.T) {
	h := NewDocumentRequestHandler()
	cfg := map[string]any{"documents": []any{
		map[string]any{"name": "ID"}, map[string]any{"name": "Deed"},
	}}
	rc := newRC(cfg)

	state, err := h.Complete(rc, map[string]any{"uploads": []any{
		map[string]any{"documentName": "ID", "documentId": "d1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, state)
	assert.Empty(t, rc.ContextUpdates())

	_, err = h.Complete(rc, map[string]any{"uploads": []any{
		map[string]any{"documentName": "Will", "documentId": "d9"},
	}})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err), "unrequested document")

	state, err = h.Complete(rc, map[string]any{"uploads": []any{
		map[string]any{"documentName": "Deed", "documentId": "d2"},
	}})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, state)
}

func TestDocumentRequest_PartialEventLeavesStateAlone(t *testing.T) {
	h := NewDocumentRequestHandler()
	rc := newRC(map[string]any{"documents": []any{
		map[string]any{"name": "ID"}, map[string]any{"name": "Deed"},
	}})
	state, err := h.NextStateOnEvent(rc, Event{Type: EventDocumentUploaded, Payload: map[string]any{
		"documentName": "Deed", "documentId": "d2",
	}})
	require.NoError(t, err)
	assert.Equal(t, model.ActionState(""), state)
}

// --- free text ---

func TestFreeText_Complete(t *testing.T) {
	h := NewFreeTextHandler()
	cfg := map[string]any{"prompt": "Describe the dispute", "minLength": 5, "maxLength": 20, "contextKey": "disputeSummary"}
	require.NoError(t, h.ValidateConfig(cfg))

	_, err := h.Complete(newRC(cfg), map[string]any{"text": "hi"})
	assert.Error(t, err, "too short")
	_, err = h.Complete(newRC(cfg), map[string]any{"text": "this text is far too long for the limit"})
	assert.Error(t, err, "too long")

	rc := newRC(cfg)
	_, err = h.Complete(rc, map[string]any{"text": "  boundary fence  "})
	require.NoError(t, err)
	assert.Equal(t, "boundary fence", rc.Data["text"])
	assert.Equal(t, "boundary fence", update(t, rc, "disputeSummary"))
}

func TestFreeText_ConfigValidation(t *testing.T) {
	h := NewFreeTextHandler()
	assert.Error(t, h.ValidateConfig(map[string]any{}))
	assert.Error(t, h.ValidateConfig(map[string]any{"prompt": "p", "minLength": 10, "maxLength": 5}))
}

// --- questionnaire ---

func TestQuestionnaire_Complete(t *testing.T) {
	h := NewQuestionnaireHandler()
	cfg := map[string]any{"questions": []any{
		map[string]any{"id": "name", "type": "text", "required": true},
		map[string]any{"id": "dependants", "type": "number"},
		map[string]any{"id": "married", "type": "boolean", "required": true},
		map[string]any{"id": "tier", "type": "choice", "options": []any{"basic", "premium"}},
	}}
	require.NoError(t, h.ValidateConfig(cfg))

	rc := newRC(cfg)
	_, err := h.Complete(rc, map[string]any{"answers": map[string]any{
		"name": "Ada", "dependants": 2, "married": true, "tier": "premium",
	}})
	require.NoError(t, err)
	answers := rc.Data["answers"].(map[string]any)
	assert.Equal(t, float64(2), answers["dependants"])

	tests := []struct {
		name    string
		answers map[string]any
	}{
		{"missing required", map[string]any{"name": "Ada"}},
		{"wrong type", map[string]any{"name": "Ada", "married": "yes"}},
		{"bad option", map[string]any{"name": "Ada", "married": true, "tier": "gold"}},
		{"unknown question", map[string]any{"name": "Ada", "married": true, "pet": "cat"}},
		{"blank required text", map[string]any{"name": "  ", "married": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Complete(newRC(cfg), map[string]any{"answers": tt.answers})
			assert.Equal(t, model.ErrValidationError, model.CodeOf(err))
		})
	}
}

func TestQuestionnaire_ChoiceNeedsOptions(t *testing.T) {
	err := NewQuestionnaireHandler().ValidateConfig(map[string]any{"questions": []any{
		map[string]any{"id": "tier", "type": "choice"},
	}})
	assert.Error(t, err)
}

// --- automation ---

func TestAutomation_StartOnlyBySystem(t *testing.T) {
	h := NewEmailAutomationHandler()
	rc := newRC(map[string]any{"template": "welcome", "to": []any{"client@example.com"}})
	assert.Equal(t, model.ErrPrecondition, model.CodeOf(h.CanStart(rc)))

	rc.Actor = model.SystemActor()
	assert.NoError(t, h.CanStart(rc))
}

func TestAutomation_CompleteStatuses(t *testing.T) {
	h := NewWebhookAutomationHandler()
	cfg := map[string]any{"url": "https://hooks.example.com/matter", "method": "POST"}
	require.NoError(t, h.ValidateConfig(cfg))

	rc := newRC(cfg)
	rc.Actor = model.SystemActor()
	state, err := h.Complete(rc, map[string]any{"status": "SUCCEEDED", "result": map[string]any{"code": 202}})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, state)

	rc = newRC(cfg)
	rc.Actor = model.SystemActor()
	state, err = h.Complete(rc, map[string]any{"status": "FAILED", "error": "timeout"})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, state)
	assert.Equal(t, "timeout", rc.Data["error"])

	rc = newRC(cfg)
	rc.Actor = model.SystemActor()
	_, err = h.Complete(rc, map[string]any{"status": "MANUAL_OVERRIDE"})
	assert.Equal(t, model.ErrForbidden, model.CodeOf(err))

	rc = newRC(cfg)
	rc.ActorIsAdmin = true
	state, err = h.Complete(rc, map[string]any{"status": "manual_override"})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, state)

	_, err = h.Complete(newRC(cfg), map[string]any{"status": "SUCCEEDED"})
	assert.Equal(t, model.ErrForbidden, model.CodeOf(err), "human reporting a result")

	_, err = h.Complete(newRC(cfg), map[string]any{"status": "DONE"})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err))
}

func TestAutomation_WebhookConfig(t *testing.T) {
	h := NewWebhookAutomationHandler()
	assert.Error(t, h.ValidateConfig(map[string]any{"url": "ftp://x"}))
	assert.Error(t, h.ValidateConfig(map[string]any{"url": "https://x.example", "method": "DELETE"}))
	assert.NoError(t, h.ValidateConfig(map[string]any{"url": "https://x.example"}))
}
