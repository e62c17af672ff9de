package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/action"
	"github.com/pitabwire/matterflow/internal/idempotency"
	"github.com/pitabwire/matterflow/internal/observability"
	"github.com/pitabwire/matterflow/internal/statemachine"
	"github.com/pitabwire/matterflow/model"
)

const defaultEventTTL = 24 * time.Hour

// Notifier receives step and instance events after the transaction that
// produced them has committed. Errors are logged and never returned to the
// caller of the engine operation.
type Notifier interface {
	Notify(ctx context.Context, ev model.StepEvent) error
}

// InstanceView is an instance together with its steps in order.
type InstanceView struct {
	Instance model.WorkflowInstance `json:"instance"`
	Steps    []model.InstanceStep   `json:"steps"`
}

// Engine is the runtime orchestrator. Every operation runs in one store
// transaction: step state, handler data, history and shared context
// commit together or not at all.
type Engine struct {
	store     Store
	registry  *action.Registry
	snapshots model.SnapshotProvider

	notifier  Notifier
	skip      statemachine.SkipPolicy
	dedupe    idempotency.Store
	dedupeTTL time.Duration
	lenient   bool
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the post-commit event receiver.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithSkipPolicy replaces the default skip gate.
func WithSkipPolicy(p statemachine.SkipPolicy) Option {
	return func(e *Engine) { e.skip = p }
}

// WithEventDeduplicator de-duplicates events that carry an id. Outcomes
// are kept for ttl.
func WithEventDeduplicator(store idempotency.Store, ttl time.Duration) Option {
	return func(e *Engine) {
		e.dedupe = store
		if ttl > 0 {
			e.dedupeTTL = ttl
		}
	}
}

// WithLenientBranchDecisions lets a step with several branches complete
// without a decision. No branch is activated in that case.
func WithLenientBranchDecisions(lenient bool) Option {
	return func(e *Engine) { e.lenient = lenient }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine.
func NewEngine(store Store, registry *action.Registry, snapshots model.SnapshotProvider, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		registry:  registry,
		snapshots: snapshots,
		skip:      statemachine.DefaultSkipPolicy{},
		dedupeTTL: defaultEventTTL,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// traced wraps one engine operation in a span and records its outcome.
func (e *Engine) traced(ctx context.Context, op, instanceID, stepID string, fn func(ctx context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "workflow."+op,
		observability.AttrOperation.String(op),
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStepID.String(stepID),
	)
	start := time.Now()
	err := fn(ctx)
	e.metrics.RecordOperation(op, outcomeOf(err), time.Since(start))
	observability.EndSpanWithError(span, err)
	return err
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if code := model.CodeOf(err); code != "" {
		return code
	}
	return model.ErrInternalError
}

// session is the working state of one operation inside a transaction.
type session struct {
	e        *Engine
	ctx      context.Context
	tx       Tx
	now      time.Time
	actor    model.Actor
	isAdmin  bool
	inst     model.WorkflowInstance
	tpl      model.WorkflowTemplate
	steps    []model.InstanceStep
	snapshot model.AuthorizationSnapshot

	dirty         map[string]bool
	updates       map[string]model.ContextValue
	instanceDirty bool
	events        []model.StepEvent
}

// open loads the instance, its template, its steps and the actor's
// authorization snapshot.
func (e *Engine) open(ctx context.Context, tx Tx, instanceID string, actor model.Actor) (*session, error) {
	if actor.ID == "" {
		return nil, model.NewUnauthorizedError("an actor is required")
	}
	inst, err := tx.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tpl, err := tx.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template %q: %w", inst.TemplateID, err)
	}
	steps, err := tx.ListSteps(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	snap, err := e.snapshots.Snapshot(ctx, inst.Subject)
	if err != nil {
		return nil, fmt.Errorf("resolve authorization snapshot: %w", err)
	}
	return &session{
		e:        e,
		ctx:      ctx,
		tx:       tx,
		now:      e.now(),
		actor:    actor,
		isAdmin:  snap.IsAdmin(actor.ID),
		inst:     inst,
		tpl:      tpl,
		steps:    steps,
		snapshot: snap,
		dirty:    make(map[string]bool),
		updates:  make(map[string]model.ContextValue),
	}, nil
}

func (s *session) requireStatus(statuses ...model.InstanceStatus) error {
	for _, st := range statuses {
		if s.inst.Status == st {
			return nil
		}
	}
	return model.NewPreconditionError(
		fmt.Sprintf("workflow instance %q is %s", s.inst.ID, s.inst.Status),
	)
}

// step finds a step by id, falling back to its template step id.
func (s *session) step(id string) (*model.InstanceStep, error) {
	for i := range s.steps {
		if s.steps[i].ID == id {
			return &s.steps[i], nil
		}
	}
	for i := range s.steps {
		if s.steps[i].TemplateStepID == id {
			return &s.steps[i], nil
		}
	}
	return nil, model.NewNotFoundError(fmt.Sprintf("step %q not found in instance %q", id, s.inst.ID))
}

func (s *session) stepByID(id string) *model.InstanceStep {
	for i := range s.steps {
		if s.steps[i].ID == id {
			return &s.steps[i]
		}
	}
	return nil
}

// inScope reports whether the actor may act on st by role: the system
// actor, a subject administrator, or a member of the step's role scope.
func (s *session) inScope(st *model.InstanceStep) bool {
	return s.actor.System || s.isAdmin || s.snapshot.Has(st.RoleScope, s.actor.ID)
}

// checkAssignment rejects actors other than the assignee of a claimed step.
func (s *session) checkAssignment(st *model.InstanceStep) error {
	if st.AssignedTo == "" || st.AssignedTo == s.actor.ID || s.actor.System || s.isAdmin {
		return nil
	}
	return model.NewPermissionError(fmt.Sprintf("step %q is assigned to another actor", st.ID))
}

// isCreatorOrAdmin gates instance lifecycle operations.
func (s *session) isCreatorOrAdmin() bool {
	return s.actor.System || s.isAdmin || s.inst.CreatedBy == s.actor.ID
}

// policies returns the notification policies of the template step st was
// materialized from.
func (s *session) policies(st *model.InstanceStep) []model.NotificationPolicy {
	if ts := s.tpl.Step(st.TemplateStepID); ts != nil {
		return ts.Notifications
	}
	return nil
}

// instancePolicies collects every step policy listening for trigger.
func (s *session) instancePolicies(trigger model.NotificationTrigger) []model.NotificationPolicy {
	var out []model.NotificationPolicy
	for _, ts := range s.tpl.Steps {
		for _, p := range ts.Notifications {
			if p.Trigger == trigger {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *session) emit(trigger model.NotificationTrigger, st *model.InstanceStep) {
	ev := model.StepEvent{
		ID:         uuid.New().String(),
		Trigger:    trigger,
		InstanceID: s.inst.ID,
		ActorID:    s.actor.ID,
		At:         s.now,
	}
	if st != nil {
		ev.StepID = st.ID
		ev.ActionType = st.ActionType
		ev.Policies = s.policies(st)
	} else {
		ev.Policies = s.instancePolicies(trigger)
	}
	s.events = append(s.events, ev)
}

// moveOpts describes one recorded transition.
type moveOpts struct {
	by        string
	event     string
	payload   map[string]any
	note      string
	override  bool
	autoStart bool
}

// move asserts and applies a transition, appending one history entry. A
// PENDING step may pass through READY, and with autoStart a READY step may
// pass through IN_PROGRESS; every hop is checked against the guard.
func (s *session) move(st *model.InstanceStep, to model.ActionState, o moveOpts) error {
	from := st.ActionState
	guard := statemachine.Options{ActorIsAdmin: s.isAdmin, AllowAdminOverride: o.override}

	hops := []model.ActionState{to}
	switch {
	case from == to || statemachine.IsEdge(from, to):
	case o.autoStart && from == model.StateReady && statemachine.IsEdge(model.StateInProgress, to):
		hops = []model.ActionState{model.StateInProgress, to}
	case from == model.StatePending || from == model.StateBlocked:
		if path := statemachine.PathTo(from, to); path != nil {
			hops = path
		}
	}
	cur := from
	for _, hop := range hops {
		if err := statemachine.AssertTransition(cur, hop, guard); err != nil {
			return err
		}
		cur = hop
	}

	now := s.now
	for _, hop := range hops {
		if hop == model.StateInProgress && st.StartedAt == nil {
			st.StartedAt = &now
		}
	}
	switch {
	case statemachine.IsTerminal(to):
		st.CompletedAt = &now
	case to == model.StateReady:
		st.CompletedAt = nil
	}

	by := o.by
	if by == "" {
		by = s.actor.ID
	}
	st.ActionState = to
	st.UpdatedAt = now
	st.ActionData.History = append(st.ActionData.History, model.HistoryEntry{
		ID:      uuid.New().String(),
		At:      now,
		By:      by,
		Event:   o.event,
		From:    from,
		To:      to,
		Payload: o.payload,
		Note:    o.note,
	})
	s.dirty[st.ID] = true

	if from != to {
		s.e.metrics.RecordStepTransition(string(st.ActionType), o.event, string(to))
		switch to {
		case model.StateReady:
			s.emit(model.TriggerStepReady, st)
		case model.StateCompleted:
			s.emit(model.TriggerStepCompleted, st)
		case model.StateFailed:
			s.emit(model.TriggerStepFailed, st)
		}
	}
	return nil
}

// runtime builds the handler context for st, seeding handler data the
// first time the step is touched and validating the effective config.
func (s *session) runtime(st *model.InstanceStep, h action.Handler) (*action.RuntimeContext, error) {
	config := make(map[string]any)
	if ts := s.tpl.Step(st.TemplateStepID); ts != nil {
		for k, v := range ts.Config {
			config[k] = v
		}
	}
	for k, v := range st.ActionData.Config {
		config[k] = v
	}
	if err := h.ValidateConfig(config); err != nil {
		return nil, err
	}

	if st.ActionData.Data == nil {
		st.ActionData.Data = make(map[string]any)
		if seeder, ok := h.(action.DataSeeder); ok {
			seed, err := seeder.SeedData(config)
			if err != nil {
				return nil, err
			}
			for k, v := range seed {
				st.ActionData.Data[k] = v
			}
		}
	}

	inst := s.inst
	inst.Context = s.inst.Context.Merge(s.updates)
	return &action.RuntimeContext{
		Ctx:          s.ctx,
		Instance:     &inst,
		Step:         st,
		Siblings:     s.steps,
		Actor:        s.actor,
		ActorIsAdmin: s.isAdmin,
		Config:       config,
		Data:         st.ActionData.Data,
		Now:          s.now,
	}, nil
}

// collect folds a handler's context updates into the session.
func (s *session) collect(rc *action.RuntimeContext) {
	for k, v := range rc.ContextUpdates() {
		s.updates[k] = v
	}
}

func (s *session) shared() model.SharedContext {
	return s.inst.Context.Merge(s.updates)
}

// completeInstance marks an active instance completed once every step is
// terminal.
func (s *session) completeInstance() {
	if s.inst.Status != model.InstanceActive {
		return
	}
	for _, st := range s.steps {
		if !statemachine.IsTerminal(st.ActionState) {
			return
		}
	}
	now := s.now
	s.inst.Status = model.InstanceCompleted
	s.inst.CompletedAt = &now
	s.instanceDirty = true
	s.emit(model.TriggerInstanceCompleted, nil)
	s.e.metrics.RecordInstanceFinished(s.inst.TemplateKey, string(model.InstanceCompleted))
}

// settle advances readiness, checks for completion and persists the
// session's writes.
func (s *session) settle(record bool) error {
	if s.inst.Status == model.InstanceActive {
		if err := s.advance(record); err != nil {
			return err
		}
		s.completeInstance()
	}
	return s.persist()
}

func (s *session) persist() error {
	for i := range s.steps {
		if !s.dirty[s.steps[i].ID] {
			continue
		}
		if err := s.tx.UpdateStep(s.ctx, s.steps[i]); err != nil {
			return err
		}
	}
	if len(s.updates) > 0 {
		if err := s.tx.MergeContext(s.ctx, s.inst.ID, s.updates); err != nil {
			return err
		}
		s.inst.Context = s.shared()
	}
	if s.instanceDirty || len(s.dirty) > 0 || len(s.updates) > 0 {
		s.inst.UpdatedAt = s.now
		if err := s.tx.UpdateInstance(s.ctx, s.inst); err != nil {
			return err
		}
		s.inst.Version++
	}
	return nil
}

func (s *session) view() InstanceView {
	return InstanceView{Instance: s.inst, Steps: cloneSteps(s.steps)}
}

// publish hands committed events to the notifier. A failing or panicking
// notifier is logged and otherwise ignored.
func (e *Engine) publish(ctx context.Context, view InstanceView, events []model.StepEvent) {
	if e.notifier == nil {
		return
	}
	for _, ev := range events {
		ev.Instance = view.Instance
		if ev.StepID != "" {
			for i := range view.Steps {
				if view.Steps[i].ID == ev.StepID {
					st := view.Steps[i]
					ev.Step = &st
					break
				}
			}
		}
		e.notifyOne(ctx, ev)
	}
}

func (e *Engine) notifyOne(ctx context.Context, ev model.StepEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notifier panicked",
				zap.String("instance_id", ev.InstanceID),
				zap.String("trigger", string(ev.Trigger)),
				zap.Any("panic", r),
			)
		}
	}()
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.logger.Warn("notification failed",
			zap.String("instance_id", ev.InstanceID),
			zap.String("step_id", ev.StepID),
			zap.String("trigger", string(ev.Trigger)),
			zap.Error(err),
		)
	}
}
