package action

import (
	"strings"

	"github.com/pitabwire/matterflow/model"
)

// Payment provider events.
const (
	EventPaymentIntentCreated = "PAYMENT_INTENT_CREATED"
	EventPaymentSucceeded     = "PAYMENT_SUCCEEDED"
	EventPaymentFailed        = "PAYMENT_FAILED"
)

// PaymentConfig configures a PAYMENT step.
type PaymentConfig struct {
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description"`
}

// PaymentHandler tracks a payment intent created by an external provider.
type PaymentHandler struct {
	Base
}

// NewPaymentHandler creates the PAYMENT handler.
func NewPaymentHandler() *PaymentHandler {
	return &PaymentHandler{Base: Base{ActionType: model.ActionPayment}}
}

func (h *PaymentHandler) config(raw map[string]any) (PaymentConfig, error) {
	var cfg PaymentConfig
	if err := decodeConfig(h.ActionType, raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Amount <= 0 {
		return cfg, configError(h.ActionType, "amount", "amount must be greater than zero")
	}
	if len(cfg.Currency) != 3 || strings.ToUpper(cfg.Currency) != cfg.Currency {
		return cfg, configError(h.ActionType, "currency", "currency must be a three-letter upper-case ISO code")
	}
	return cfg, nil
}

// ValidateConfig implements Handler.
func (h *PaymentHandler) ValidateConfig(raw map[string]any) error {
	_, err := h.config(raw)
	return err
}

// SeedData copies the amount due into handler data.
func (h *PaymentHandler) SeedData(raw map[string]any) (map[string]any, error) {
	cfg, err := h.config(raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"amount": cfg.Amount, "currency": cfg.Currency}, nil
}

// Complete requires a provisioned payment intent.
func (h *PaymentHandler) Complete(rc *RuntimeContext, payload map[string]any) (model.ActionState, error) {
	if dataString(rc.Data, "intentId") == "" {
		return "", model.NewPreconditionError("payment intent has not been created")
	}
	if _, ok := model.ToFloat(rc.Data["amount"]); !ok {
		return "", model.NewPreconditionError("no amount is bound to this payment step")
	}
	if ref, err := payloadString(payload, "receiptId"); err != nil {
		return "", err
	} else if ref != "" {
		rc.Data["receiptId"] = ref
	}
	return h.markPaid(rc)
}

func (h *PaymentHandler) markPaid(rc *RuntimeContext) (model.ActionState, error) {
	rc.Data["paidAt"] = timestamp(rc.Now)
	if err := rc.UpdateContext("paymentReceived", true); err != nil {
		return "", err
	}
	return model.StateCompleted, nil
}

// NextStateOnEvent consumes payment provider callbacks.
func (h *PaymentHandler) NextStateOnEvent(rc *RuntimeContext, ev Event) (model.ActionState, error) {
	switch ev.Type {
	case EventPaymentIntentCreated:
		intentID, err := payloadString(ev.Payload, "intentId")
		if err != nil {
			return "", err
		}
		if intentID == "" {
			return "", payloadError("intentId", "REQUIRED", "intentId is required")
		}
		rc.Data["intentId"] = intentID
		return "", nil

	case EventPaymentSucceeded:
		if dataString(rc.Data, "intentId") == "" {
			return "", model.NewPreconditionError("payment intent has not been created")
		}
		return h.markPaid(rc)

	case EventPaymentFailed:
		reason, _ := payloadString(ev.Payload, "reason")
		rc.Data["lastFailureAt"] = timestamp(rc.Now)
		if reason != "" {
			rc.Data["lastFailureReason"] = reason
		}
		return model.StateBlocked, nil
	}
	return "", unsupportedEvent(h.ActionType, ev.Type)
}
