package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/matterflow/model"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *captureSink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

type captureRecorder struct {
	records []model.NotificationRecord
	err     error
}

func (r *captureRecorder) Record(_ context.Context, rec model.NotificationRecord) error {
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	return nil
}

type stubSnapshots struct {
	calls int
	err   error
}

func (s *stubSnapshots) Snapshot(_ context.Context, subject model.Subject) (model.AuthorizationSnapshot, error) {
	s.calls++
	if s.err != nil {
		return model.AuthorizationSnapshot{}, s.err
	}
	return model.AuthorizationSnapshot{
		Subject: subject,
		Roles: map[model.RoleScope][]string{
			model.RoleLawyer: {"lawyer-1", "lawyer-2"},
			model.RoleClient: {"client-1"},
		},
	}, nil
}

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func readyEvent(policies ...model.NotificationPolicy) model.StepEvent {
	return model.StepEvent{
		ID:         "ev-1",
		Trigger:    model.TriggerStepReady,
		InstanceID: "inst-1",
		StepID:     "step-1",
		ActionType: model.ActionApproval,
		ActorID:    "lawyer-1",
		At:         fixedNow,
		Instance: model.WorkflowInstance{
			ID:          "inst-1",
			TemplateKey: "engagement",
			Subject:     model.Subject{MatterID: "matter-9"},
			CreatedBy:   "lawyer-1",
			Context:     model.SharedContext{"clientName": model.MustContextValue("Ada Obi")},
		},
		Step: &model.InstanceStep{
			ID:         "step-1",
			Title:      "Approve engagement letter",
			RoleScope:  model.RoleClient,
			ActionType: model.ActionApproval,
		},
		Policies: policies,
	}
}

func newTestDispatcher(sink Sink, rec Recorder, snaps model.SnapshotProvider) *Dispatcher {
	return NewDispatcher(sink, rec, snaps, WithClock(func() time.Time { return fixedNow }))
}

func TestDispatcher_rendersAndRecords(t *testing.T) {
	sink := &captureSink{}
	rec := &captureRecorder{}
	d := newTestDispatcher(sink, rec, &stubSnapshots{})

	err := d.Notify(context.Background(), readyEvent(model.NotificationPolicy{
		Trigger:    model.TriggerStepReady,
		Recipients: []string{"CLIENT"},
		Subject:    "{{.Context.clientName}}: {{.Step.Title}}",
		Body:       "Please review matter {{.Instance.Subject.MatterID}}.",
	}))
	require.NoError(t, err)

	require.Len(t, sink.msgs, 1)
	msg := sink.msgs[0]
	assert.Equal(t, "Ada Obi: Approve engagement letter", msg.Subject)
	assert.Equal(t, "Please review matter matter-9.", msg.Body)
	assert.Equal(t, []string{"client-1"}, msg.Recipients)
	assert.Equal(t, "email", msg.Channel)

	require.Len(t, rec.records, 1)
	assert.Equal(t, model.NotificationSent, rec.records[0].Status)
	assert.Equal(t, msg.ID, rec.records[0].ID)
	assert.Equal(t, fixedNow, rec.records[0].CreatedAt)
}

func TestDispatcher_defaultSubjectAndRecipients(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(sink, nil, &stubSnapshots{})

	require.NoError(t, d.Notify(context.Background(), readyEvent(model.NotificationPolicy{
		Trigger: model.TriggerStepReady,
		Channel: "sms",
	})))

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "Action required: Approve engagement letter", sink.msgs[0].Subject)
	assert.Equal(t, []string{"client-1"}, sink.msgs[0].Recipients, "unassigned step goes to its role")
	assert.Equal(t, "sms", sink.msgs[0].Channel)
}

func TestDispatcher_assigneeCreatorAndDedup(t *testing.T) {
	sink := &captureSink{}
	snaps := &stubSnapshots{}
	d := newTestDispatcher(sink, nil, snaps)

	ev := readyEvent(model.NotificationPolicy{
		Trigger:    model.TriggerStepReady,
		Recipients: []string{"ASSIGNEE", "CREATOR", "LAWYER"},
	})
	ev.Step.AssignedTo = "lawyer-2"

	require.NoError(t, d.Notify(context.Background(), ev))
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, []string{"lawyer-2", "lawyer-1"}, sink.msgs[0].Recipients)
	assert.Equal(t, 1, snaps.calls)
}

func TestDispatcher_ignoresOtherTriggers(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(sink, nil, &stubSnapshots{})

	require.NoError(t, d.Notify(context.Background(), readyEvent(model.NotificationPolicy{
		Trigger: model.TriggerStepCompleted,
	})))
	assert.Empty(t, sink.msgs)
}

func TestDispatcher_instanceEventGoesToCreator(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(sink, nil, nil)

	ev := readyEvent(model.NotificationPolicy{Trigger: model.TriggerInstanceCompleted})
	ev.Trigger = model.TriggerInstanceCompleted
	ev.Step = nil
	ev.StepID = ""

	require.NoError(t, d.Notify(context.Background(), ev))
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, []string{"lawyer-1"}, sink.msgs[0].Recipients)
	assert.Equal(t, "Workflow engagement completed", sink.msgs[0].Subject)
}

func TestDispatcher_noRecipientsSkips(t *testing.T) {
	sink := &captureSink{}
	rec := &captureRecorder{}
	d := newTestDispatcher(sink, rec, nil)

	require.NoError(t, d.Notify(context.Background(), readyEvent(model.NotificationPolicy{
		Trigger:    model.TriggerStepReady,
		Recipients: []string{"PARALEGAL"},
	})))
	assert.Empty(t, sink.msgs)
	assert.Empty(t, rec.records)
}

func TestDispatcher_sinkFailureIsRecordedAndReported(t *testing.T) {
	sink := &captureSink{err: errors.New("smtp down")}
	rec := &captureRecorder{}
	d := newTestDispatcher(sink, rec, &stubSnapshots{})

	err := d.Notify(context.Background(), readyEvent(
		model.NotificationPolicy{Trigger: model.TriggerStepReady, Recipients: []string{"CLIENT"}},
		model.NotificationPolicy{Trigger: model.TriggerStepReady, Recipients: []string{"LAWYER"}},
	))
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrNotificationFailed))

	require.Len(t, rec.records, 2, "every policy is attempted")
	for _, r := range rec.records {
		assert.Equal(t, model.NotificationFailed, r.Status)
		assert.Equal(t, "smtp down", r.Error)
	}
}

func TestDispatcher_snapshotFailure(t *testing.T) {
	rec := &captureRecorder{}
	d := newTestDispatcher(&captureSink{}, rec, &stubSnapshots{err: errors.New("db down")})

	err := d.Notify(context.Background(), readyEvent(model.NotificationPolicy{
		Trigger:    model.TriggerStepReady,
		Recipients: []string{"LAWYER"},
	}))
	require.Error(t, err)
	require.Len(t, rec.records, 1)
	assert.Equal(t, model.NotificationFailed, rec.records[0].Status)
	assert.Contains(t, rec.records[0].Error, "db down")
}

func TestDispatcher_badTemplate(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(sink, nil, &stubSnapshots{})

	err := d.Notify(context.Background(), readyEvent(model.NotificationPolicy{
		Trigger:    model.TriggerStepReady,
		Recipients: []string{"CLIENT"},
		Subject:    "{{.Step.Title",
	}))
	require.Error(t, err)
	assert.Empty(t, sink.msgs)
}

func TestDispatcher_recorderFailure(t *testing.T) {
	sink := &captureSink{}
	d := newTestDispatcher(sink, &captureRecorder{err: errors.New("log full")}, &stubSnapshots{})

	err := d.Notify(context.Background(), readyEvent(model.NotificationPolicy{
		Trigger:    model.TriggerStepReady,
		Recipients: []string{"CLIENT"},
	}))
	require.Error(t, err)
	assert.Len(t, sink.msgs, 1, "message was still delivered")
}

func TestValidatePolicy(t *testing.T) {
	assert.NoError(t, ValidatePolicy(model.NotificationPolicy{Subject: "Hi {{.Step.Title}}"}))
	assert.Error(t, ValidatePolicy(model.NotificationPolicy{Body: "{{if}}"}))
}

type countingNotifier struct {
	n   int
	err error
}

func (c *countingNotifier) Notify(context.Context, model.StepEvent) error {
	c.n++
	return c.err
}

func TestMulti_callsEveryNotifier(t *testing.T) {
	a := &countingNotifier{err: errors.New("a failed")}
	b := &countingNotifier{}

	err := Multi{a, b}.Notify(context.Background(), readyEvent())
	require.Error(t, err)
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
