package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/matterflow/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5. Each RunInTx is one
// database transaction; GetInstance locks the instance row.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables the store needs if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply workflow schema: %w", err)
	}
	return nil
}

// HealthCheck reports whether the database is reachable.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunInTx runs fn inside a database transaction, committing if fn returns
// nil and rolling back otherwise.
func (s *PgStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(t pgx.Tx) error {
		return fn(&pgTx{tx: t})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateTemplate inserts a template version.
func (t *pgTx) CreateTemplate(ctx context.Context, tpl model.WorkflowTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal template steps: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_templates (
			id, key, name, description, version, steps, checksum, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tpl.ID, tpl.Key, tpl.Name, tpl.Description, tpl.Version, stepsJSON, tpl.Checksum, tpl.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("template %q version %d already exists", tpl.Key, tpl.Version))
	}
	if err != nil {
		return fmt.Errorf("insert workflow template: %w", err)
	}
	return nil
}

const templateColumns = `id, key, name, description, version, steps, checksum, created_at`

func scanTemplate(row pgx.Row) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	var stepsJSON []byte
	if err := row.Scan(
		&tpl.ID, &tpl.Key, &tpl.Name, &tpl.Description, &tpl.Version,
		&stepsJSON, &tpl.Checksum, &tpl.CreatedAt,
	); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := json.Unmarshal(stepsJSON, &tpl.Steps); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal template steps: %w", err)
	}
	return tpl, nil
}

// GetTemplate retrieves a template by id.
func (t *pgTx) GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	tpl, err := scanTemplate(t.tx.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template: %w", err)
	}
	return tpl, nil
}

// LatestTemplate retrieves the highest version stored under key.
func (t *pgTx) LatestTemplate(ctx context.Context, key string) (model.WorkflowTemplate, error) {
	tpl, err := scanTemplate(t.tx.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE key = $1 ORDER BY version DESC LIMIT 1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", key))
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query latest workflow template: %w", err)
	}
	return tpl, nil
}

// ListTemplates returns every template ordered by key and version.
func (t *pgTx) ListTemplates(ctx context.Context) ([]model.WorkflowTemplate, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates ORDER BY key, version`)
	if err != nil {
		return nil, fmt.Errorf("query workflow templates: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow template: %w", err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// CreateInstance inserts an instance and its steps.
func (t *pgTx) CreateInstance(ctx context.Context, inst model.WorkflowInstance, steps []model.InstanceStep) error {
	ctxJSON, err := json.Marshal(contextOrEmpty(inst.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, template_id, template_key, template_version, status,
			matter_id, contact_id, created_by, context,
			created_at, updated_at, completed_at, canceled_at, cancel_reason, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15
		)`,
		inst.ID, inst.TemplateID, inst.TemplateKey, inst.TemplateVersion, inst.Status,
		inst.Subject.MatterID, inst.Subject.ContactID, inst.CreatedBy, ctxJSON,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt, inst.CanceledAt, inst.CancelReason, inst.Version,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}

	for _, st := range steps {
		cols, err := stepColumns(st)
		if err != nil {
			return err
		}
		_, err = t.tx.Exec(ctx, `
			INSERT INTO instance_steps (
				id, instance_id, template_step_id, order_index, title,
				action_type, role_scope, required, action_state, action_data,
				assigned_to, started_at, completed_at, priority, due_at,
				depends_on, dependency_logic, branches, condition_type, condition,
				activated_by, updated_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9, $10,
				$11, $12, $13, $14, $15,
				$16, $17, $18, $19, $20,
				$21, $22
			)`,
			st.ID, st.InstanceID, st.TemplateStepID, st.OrderIndex, st.Title,
			st.ActionType, st.RoleScope, st.Required, st.ActionState, cols.actionData,
			st.AssignedTo, st.StartedAt, st.CompletedAt, st.Priority, st.DueAt,
			cols.dependsOn, st.DependencyLogic, cols.branches, st.ConditionType, cols.condition,
			st.ActivatedBy, st.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert instance step: %w", err)
		}
	}
	return nil
}

func contextOrEmpty(c model.SharedContext) model.SharedContext {
	if c == nil {
		return model.SharedContext{}
	}
	return c
}

const instanceColumns = `id, template_id, template_key, template_version, status,
	matter_id, contact_id, created_by, context,
	created_at, updated_at, completed_at, canceled_at, cancel_reason, version`

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var ctxJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateKey, &inst.TemplateVersion, &inst.Status,
		&inst.Subject.MatterID, &inst.Subject.ContactID, &inst.CreatedBy, &ctxJSON,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt, &inst.CanceledAt, &inst.CancelReason, &inst.Version,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if ctxJSON != nil {
		if err := json.Unmarshal(ctxJSON, &inst.Context); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return inst, nil
}

// GetInstance retrieves an instance by id and locks its row until the
// transaction ends.
func (t *pgTx) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(t.tx.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists lifecycle fields with optimistic locking.
func (t *pgTx) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			completed_at = $2,
			canceled_at = $3,
			cancel_reason = $4,
			updated_at = $5,
			version = $6
		WHERE id = $7 AND version = $8`,
		inst.Status, inst.CompletedAt, inst.CanceledAt, inst.CancelReason, inst.UpdatedAt,
		inst.Version+1, inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// MergeContext merges updates into the shared context with jsonb
// concatenation, leaving other keys untouched.
func (t *pgTx) MergeContext(ctx context.Context, instanceID string, updates map[string]model.ContextValue) error {
	if len(updates) == 0 {
		return nil
	}
	patch, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("marshal context updates: %w", err)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE workflow_instances SET context = context || $1::jsonb WHERE id = $2`,
		patch, instanceID,
	)
	if err != nil {
		return fmt.Errorf("merge workflow context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}
	return nil
}

// ListInstances returns matching instances, newest first.
func (t *pgTx) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE TRUE`
	var args []any
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}
	if filters.Status != "" {
		add("status = $%d", filters.Status)
	}
	if filters.TemplateID != "" {
		add("template_id = $%d", filters.TemplateID)
	}
	if filters.MatterID != "" {
		add("matter_id = $%d", filters.MatterID)
	}
	if filters.ContactID != "" {
		add("contact_id = $%d", filters.ContactID)
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// stepJSON holds the jsonb-encoded columns of a step.
type stepJSON struct {
	actionData []byte
	dependsOn  []byte
	branches   []byte
	condition  []byte
}

func stepColumns(st model.InstanceStep) (stepJSON, error) {
	var out stepJSON
	var err error
	if st.ActionData.History == nil {
		st.ActionData.History = []model.HistoryEntry{}
	}
	if out.actionData, err = json.Marshal(st.ActionData); err != nil {
		return out, fmt.Errorf("marshal action data: %w", err)
	}
	deps := st.DependsOn
	if deps == nil {
		deps = []string{}
	}
	if out.dependsOn, err = json.Marshal(deps); err != nil {
		return out, fmt.Errorf("marshal depends_on: %w", err)
	}
	branches := st.Branches
	if branches == nil {
		branches = []model.Branch{}
	}
	if out.branches, err = json.Marshal(branches); err != nil {
		return out, fmt.Errorf("marshal branches: %w", err)
	}
	if st.Condition != nil {
		if out.condition, err = json.Marshal(st.Condition); err != nil {
			return out, fmt.Errorf("marshal condition: %w", err)
		}
	}
	return out, nil
}

// ListSteps returns an instance's steps in order.
func (t *pgTx) ListSteps(ctx context.Context, instanceID string) ([]model.InstanceStep, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, instance_id, template_step_id, order_index, title,
		       action_type, role_scope, required, action_state, action_data,
		       assigned_to, started_at, completed_at, priority, due_at,
		       depends_on, dependency_logic, branches, condition_type, condition,
		       activated_by, updated_at
		FROM instance_steps
		WHERE instance_id = $1
		ORDER BY order_index ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query instance steps: %w", err)
	}
	defer rows.Close()

	var steps []model.InstanceStep
	for rows.Next() {
		var st model.InstanceStep
		var data, deps, branches, cond []byte
		if err := rows.Scan(
			&st.ID, &st.InstanceID, &st.TemplateStepID, &st.OrderIndex, &st.Title,
			&st.ActionType, &st.RoleScope, &st.Required, &st.ActionState, &data,
			&st.AssignedTo, &st.StartedAt, &st.CompletedAt, &st.Priority, &st.DueAt,
			&deps, &st.DependencyLogic, &branches, &st.ConditionType, &cond,
			&st.ActivatedBy, &st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan instance step: %w", err)
		}
		if err := json.Unmarshal(data, &st.ActionData); err != nil {
			return nil, fmt.Errorf("unmarshal action data: %w", err)
		}
		if err := json.Unmarshal(deps, &st.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
		if err := json.Unmarshal(branches, &st.Branches); err != nil {
			return nil, fmt.Errorf("unmarshal branches: %w", err)
		}
		if cond != nil {
			st.Condition = &model.Condition{}
			if err := json.Unmarshal(cond, st.Condition); err != nil {
				return nil, fmt.Errorf("unmarshal condition: %w", err)
			}
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		if _, err := t.GetInstance(ctx, instanceID); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// UpdateStep persists a step's mutable fields.
func (t *pgTx) UpdateStep(ctx context.Context, st model.InstanceStep) error {
	cols, err := stepColumns(st)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE instance_steps SET
			action_state = $1,
			action_data = $2,
			assigned_to = $3,
			started_at = $4,
			completed_at = $5,
			activated_by = $6,
			updated_at = $7
		WHERE id = $8 AND instance_id = $9`,
		st.ActionState, cols.actionData, st.AssignedTo, st.StartedAt, st.CompletedAt,
		st.ActivatedBy, st.UpdatedAt, st.ID, st.InstanceID,
	)
	if err != nil {
		return fmt.Errorf("update instance step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step %q not found", st.ID))
	}
	return nil
}

// AppendNotification inserts a notification log record.
func (t *pgTx) AppendNotification(ctx context.Context, rec model.NotificationRecord) error {
	recipients := rec.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO notification_log (
			id, instance_id, step_id, trigger, channel, recipients, subject, status, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.InstanceID, rec.StepID, rec.Trigger, rec.Channel, recipientsJSON,
		rec.Subject, rec.Status, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}
	return nil
}

// ListNotifications returns an instance's notification log, oldest first.
func (t *pgTx) ListNotifications(ctx context.Context, instanceID string) ([]model.NotificationRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, instance_id, step_id, trigger, channel, recipients, subject, status, error, created_at
		FROM notification_log
		WHERE instance_id = $1
		ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query notification log: %w", err)
	}
	defer rows.Close()

	var out []model.NotificationRecord
	for rows.Next() {
		var rec model.NotificationRecord
		var recipientsJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.InstanceID, &rec.StepID, &rec.Trigger, &rec.Channel, &recipientsJSON,
			&rec.Subject, &rec.Status, &rec.Error, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification record: %w", err)
		}
		if err := json.Unmarshal(recipientsJSON, &rec.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
