// Package notification delivers step and instance events to people and to
// other services. Delivery is best-effort: it runs after the engine has
// committed and its failures are logged and recorded, never rolled back.
package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/observability"
	"github.com/pitabwire/matterflow/model"
)

// Message is one rendered notification ready for a sink.
type Message struct {
	ID         string                    `json:"id"`
	InstanceID string                    `json:"instanceId"`
	StepID     string                    `json:"stepId,omitempty"`
	Trigger    model.NotificationTrigger `json:"trigger"`
	Channel    string                    `json:"channel"`
	Recipients []string                  `json:"to"`
	Subject    string                    `json:"subject"`
	Body       string                    `json:"body"`
}

// Sink delivers a rendered message.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// Recorder appends delivery results to the notification log.
type Recorder interface {
	Record(ctx context.Context, rec model.NotificationRecord) error
}

// Notifier receives committed workflow events.
type Notifier interface {
	Notify(ctx context.Context, ev model.StepEvent) error
}

var defaultSubjects = map[model.NotificationTrigger]string{
	model.TriggerStepReady:         "Action required: {{.Step.Title}}",
	model.TriggerStepCompleted:     "Completed: {{.Step.Title}}",
	model.TriggerStepFailed:        "Failed: {{.Step.Title}}",
	model.TriggerInstanceCompleted: "Workflow {{.Instance.TemplateKey}} completed",
	model.TriggerInstanceCanceled:  "Workflow {{.Instance.TemplateKey}} canceled",
}

// templateData is what policy subject and body templates render against.
type templateData struct {
	Trigger  model.NotificationTrigger
	Instance model.WorkflowInstance
	Step     model.InstanceStep
	ActorID  string
	At       time.Time
	Context  map[string]any
}

// Dispatcher renders notification policies attached to an event, resolves
// their recipients and hands the result to a Sink.
type Dispatcher struct {
	sink      Sink
	recorder  Recorder
	snapshots model.SnapshotProvider
	channel   string
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu        sync.Mutex
	templates map[string]*template.Template
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultChannel sets the channel used by policies that name none.
func WithDefaultChannel(channel string) Option {
	return func(d *Dispatcher) { d.channel = channel }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher. recorder and snapshots may be nil;
// without snapshots, role recipients resolve to nobody.
func NewDispatcher(sink Sink, recorder Recorder, snapshots model.SnapshotProvider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:      sink,
		recorder:  recorder,
		snapshots: snapshots,
		channel:   "email",
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		templates: make(map[string]*template.Template),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify delivers every policy of ev listening for ev.Trigger. Each failed
// delivery is recorded and reported as a NOTIFICATION_FAILED error; the
// remaining policies are still attempted.
func (d *Dispatcher) Notify(ctx context.Context, ev model.StepEvent) (err error) {
	ctx, span := observability.StartSpan(ctx, "notification.dispatch",
		observability.AttrInstanceID.String(ev.InstanceID),
		observability.AttrStepID.String(ev.StepID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var (
		errs     []error
		snapshot *model.AuthorizationSnapshot
	)
	for _, p := range ev.Policies {
		if p.Trigger != ev.Trigger {
			continue
		}
		channel := p.Channel
		if channel == "" {
			channel = d.channel
		}

		recipients, rerr := d.recipients(ctx, ev, p, &snapshot)
		if rerr != nil {
			errs = append(errs, d.fail(ctx, ev, channel, nil, "", rerr))
			continue
		}
		if len(recipients) == 0 {
			d.metrics.RecordNotification(channel, "skipped")
			d.logger.Debug("notification has no recipients",
				zap.String("instance_id", ev.InstanceID),
				zap.String("step_id", ev.StepID),
				zap.String("trigger", string(ev.Trigger)),
			)
			continue
		}

		msg, merr := d.render(ev, p, channel, recipients)
		if merr != nil {
			errs = append(errs, d.fail(ctx, ev, channel, recipients, "", merr))
			continue
		}
		if serr := d.sink.Send(ctx, msg); serr != nil {
			errs = append(errs, d.fail(ctx, ev, channel, recipients, msg.Subject, serr))
			continue
		}

		d.metrics.RecordNotification(channel, "sent")
		if rerr := d.record(ctx, ev, msg.ID, channel, recipients, msg.Subject, model.NotificationSent, ""); rerr != nil {
			errs = append(errs, rerr)
		}
	}
	return errors.Join(errs...)
}

// fail records a failed delivery and returns the error to report.
func (d *Dispatcher) fail(ctx context.Context, ev model.StepEvent, channel string, recipients []string, subject string, cause error) error {
	d.metrics.RecordNotification(channel, "failed")
	d.logger.Warn("notification delivery failed",
		zap.String("instance_id", ev.InstanceID),
		zap.String("step_id", ev.StepID),
		zap.String("trigger", string(ev.Trigger)),
		zap.String("channel", channel),
		zap.Error(cause),
	)
	if rerr := d.record(ctx, ev, uuid.New().String(), channel, recipients, subject, model.NotificationFailed, cause.Error()); rerr != nil {
		return errors.Join(model.NewNotificationError(cause.Error()), rerr)
	}
	return model.NewNotificationError(cause.Error())
}

func (d *Dispatcher) record(ctx context.Context, ev model.StepEvent, id, channel string, recipients []string, subject, status, errMsg string) error {
	if d.recorder == nil {
		return nil
	}
	rec := model.NotificationRecord{
		ID:         id,
		InstanceID: ev.InstanceID,
		StepID:     ev.StepID,
		Trigger:    ev.Trigger,
		Channel:    channel,
		Recipients: recipients,
		Subject:    subject,
		Status:     status,
		Error:      errMsg,
		CreatedAt:  d.now(),
	}
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.logger.Error("notification log write failed",
			zap.String("instance_id", ev.InstanceID),
			zap.Error(err),
		)
		return fmt.Errorf("notification: record: %w", err)
	}
	return nil
}

// recipients resolves a policy's recipient selectors. Role scopes expand to
// the members of that role on the instance subject. ASSIGNEE and CREATOR
// name the step assignee and the instance creator. A policy naming no
// recipients goes to the step assignee, or the step's role when unassigned,
// or the creator for instance events.
func (d *Dispatcher) recipients(ctx context.Context, ev model.StepEvent, p model.NotificationPolicy, snapshot **model.AuthorizationSnapshot) ([]string, error) {
	selectors := p.Recipients
	if len(selectors) == 0 {
		switch {
		case ev.Step != nil && ev.Step.AssignedTo != "":
			selectors = []string{model.RecipientAssignee}
		case ev.Step != nil:
			selectors = []string{string(ev.Step.RoleScope)}
		default:
			selectors = []string{model.RecipientCreator}
		}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}

	for _, sel := range selectors {
		switch {
		case sel == model.RecipientAssignee:
			if ev.Step != nil {
				add(ev.Step.AssignedTo)
			}
		case sel == model.RecipientCreator:
			add(ev.Instance.CreatedBy)
		case model.RoleScope(sel).IsValid():
			if d.snapshots == nil {
				continue
			}
			if *snapshot == nil {
				snap, err := d.snapshots.Snapshot(ctx, ev.Instance.Subject)
				if err != nil {
					return nil, fmt.Errorf("resolve recipients: %w", err)
				}
				*snapshot = &snap
			}
			add((*snapshot).Members(model.RoleScope(sel))...)
		}
	}
	return out, nil
}

func (d *Dispatcher) render(ev model.StepEvent, p model.NotificationPolicy, channel string, recipients []string) (Message, error) {
	data := templateData{
		Trigger:  ev.Trigger,
		Instance: ev.Instance,
		ActorID:  ev.ActorID,
		At:       ev.At,
		Context:  ev.Instance.Context.Raw(),
	}
	if ev.Step != nil {
		data.Step = *ev.Step
	}

	subjectSrc := p.Subject
	if subjectSrc == "" {
		subjectSrc = defaultSubjects[ev.Trigger]
	}
	subject, err := d.execute(subjectSrc, data)
	if err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := d.execute(p.Body, data)
	if err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}

	return Message{
		ID:         uuid.New().String(),
		InstanceID: ev.InstanceID,
		StepID:     ev.StepID,
		Trigger:    ev.Trigger,
		Channel:    channel,
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
	}, nil
}

// execute renders src, caching parsed templates by source text.
func (d *Dispatcher) execute(src string, data templateData) (string, error) {
	if src == "" {
		return "", nil
	}
	d.mu.Lock()
	tpl, ok := d.templates[src]
	if !ok {
		var err error
		tpl, err = template.New("notification").Option("missingkey=zero").Parse(src)
		if err != nil {
			d.mu.Unlock()
			return "", err
		}
		d.templates[src] = tpl
	}
	d.mu.Unlock()

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ValidatePolicy parses a policy's templates without rendering them.
func ValidatePolicy(p model.NotificationPolicy) error {
	for name, src := range map[string]string{"subject": p.Subject, "body": p.Body} {
		if src == "" {
			continue
		}
		if _, err := template.New(name).Parse(src); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Multi fans an event out to several notifiers. Every notifier is called;
// their errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev model.StepEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
