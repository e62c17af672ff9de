package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/observability"
	"github.com/pitabwire/matterflow/model"
)

var subjectSuffixes = map[model.NotificationTrigger]string{
	model.TriggerStepReady:         "step.ready",
	model.TriggerStepCompleted:     "step.completed",
	model.TriggerStepFailed:        "step.failed",
	model.TriggerInstanceCompleted: "instance.completed",
	model.TriggerInstanceCanceled:  "instance.canceled",
}

// Subject returns the NATS subject a trigger is published on.
func Subject(prefix string, trigger model.NotificationTrigger) string {
	suffix, ok := subjectSuffixes[trigger]
	if !ok {
		suffix = "event." + strings.ToLower(string(trigger))
	}
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// EventMessage is the JSON body published for each workflow event.
type EventMessage struct {
	ID              string                    `json:"id"`
	Trigger         model.NotificationTrigger `json:"trigger"`
	InstanceID      string                    `json:"instanceId"`
	TemplateKey     string                    `json:"templateKey"`
	TemplateVersion int                       `json:"templateVersion"`
	Subject         model.Subject             `json:"subject"`
	StepID          string                    `json:"stepId,omitempty"`
	TemplateStepID  string                    `json:"templateStepId,omitempty"`
	ActionType      model.ActionType          `json:"actionType,omitempty"`
	RoleScope       model.RoleScope           `json:"roleScope,omitempty"`
	AssignedTo      string                    `json:"assignedTo,omitempty"`
	ActorID         string                    `json:"actorId,omitempty"`
	At              time.Time                 `json:"at"`
}

// NATSPublisher publishes workflow events so automation executors and other
// services can react to them. Messages carry the event id as Nats-Msg-Id,
// letting JetStream streams drop republished events.
type NATSPublisher struct {
	conn    *nats.Conn
	prefix  string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *zap.Logger, metrics *observability.Metrics) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger, metrics: metrics}
}

// Notify implements Notifier.
func (p *NATSPublisher) Notify(ctx context.Context, ev model.StepEvent) error {
	body := EventMessage{
		ID:              ev.ID,
		Trigger:         ev.Trigger,
		InstanceID:      ev.InstanceID,
		TemplateKey:     ev.Instance.TemplateKey,
		TemplateVersion: ev.Instance.TemplateVersion,
		Subject:         ev.Instance.Subject,
		StepID:          ev.StepID,
		ActionType:      ev.ActionType,
		ActorID:         ev.ActorID,
		At:              ev.At,
	}
	if ev.Step != nil {
		body.TemplateStepID = ev.Step.TemplateStepID
		body.RoleScope = ev.Step.RoleScope
		body.AssignedTo = ev.Step.AssignedTo
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	msg := nats.NewMsg(Subject(p.prefix, ev.Trigger))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if tid := observability.TraceIDFromContext(ctx); tid != "" {
		msg.Header.Set("Trace-Id", tid)
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		p.metrics.RecordEventPublished(string(ev.Trigger), "error")
		p.logger.Warn("event publish failed",
			zap.String("subject", msg.Subject),
			zap.String("instance_id", ev.InstanceID),
			zap.Error(err),
		)
		return fmt.Errorf("events: publish %s: %w", msg.Subject, err)
	}
	p.metrics.RecordEventPublished(string(ev.Trigger), "ok")
	return nil
}

// HealthCheck reports whether the connection is usable.
func (p *NATSPublisher) HealthCheck(_ context.Context) error {
	if !p.conn.IsConnected() {
		return errors.New("nats: not connected (status " + p.conn.Status().String() + ")")
	}
	return nil
}
