package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/matterflow/model"
)

func testTemplate(id, key string, version int) model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:      id,
		Key:     key,
		Name:    "Client onboarding",
		Version: version,
		Steps: []model.TemplateStep{
			{ID: "intake", Title: "Intake", ActionType: model.ActionFreeText, RoleScope: model.RoleClient},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func testInstance(id, templateID string, created time.Time) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:          id,
		TemplateID:  templateID,
		TemplateKey: "onboarding",
		Status:      model.InstanceActive,
		Subject:     model.Subject{MatterID: "matter-1"},
		CreatedBy:   "lawyer-1",
		Context:     model.SharedContext{"clientApproved": model.MustContextValue(false)},
		CreatedAt:   created,
		UpdatedAt:   created,
		Version:     1,
	}
}

func testSteps(instanceID string) []model.InstanceStep {
	return []model.InstanceStep{
		{ID: instanceID + "-b", InstanceID: instanceID, OrderIndex: 1, Title: "Second", ActionState: model.StatePending},
		{ID: instanceID + "-a", InstanceID: instanceID, OrderIndex: 0, Title: "First", ActionState: model.StateReady},
	}
}

func seed(t *testing.T, store *MemoryStore, inst model.WorkflowInstance) {
	t.Helper()
	err := store.RunInTx(context.Background(), func(tx Tx) error {
		return tx.CreateInstance(context.Background(), inst, testSteps(inst.ID))
	})
	if err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var envErr *model.ErrorEnvelope
	if !errors.As(err, &envErr) {
		t.Fatalf("error type = %T, want *model.ErrorEnvelope", err)
	}
	return envErr.Code
}

// --- templates ---

func TestMemoryStore_CreateTemplate_duplicateVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.RunInTx(ctx, func(tx Tx) error {
		return tx.CreateTemplate(ctx, testTemplate("t1", "onboarding", 1))
	})
	if err != nil {
		t.Fatalf("CreateTemplate error: %v", err)
	}

	err = store.RunInTx(ctx, func(tx Tx) error {
		return tx.CreateTemplate(ctx, testTemplate("t2", "onboarding", 1))
	})
	if err == nil {
		t.Fatal("expected conflict for duplicate key and version")
	}
	if code := codeOf(t, err); code != model.ErrConflict {
		t.Errorf("code = %s, want %s", code, model.ErrConflict)
	}
}

func TestMemoryStore_LatestTemplate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.RunInTx(ctx, func(tx Tx) error {
		_ = tx.CreateTemplate(ctx, testTemplate("t1", "onboarding", 1))
		_ = tx.CreateTemplate(ctx, testTemplate("t3", "onboarding", 3))
		return tx.CreateTemplate(ctx, testTemplate("t2", "onboarding", 2))
	})

	var latest model.WorkflowTemplate
	err := store.RunInTx(ctx, func(tx Tx) error {
		var err error
		latest, err = tx.LatestTemplate(ctx, "onboarding")
		return err
	})
	if err != nil {
		t.Fatalf("LatestTemplate error: %v", err)
	}
	if latest.ID != "t3" {
		t.Errorf("latest = %q, want t3", latest.ID)
	}

	err = store.RunInTx(ctx, func(tx Tx) error {
		_, err := tx.LatestTemplate(ctx, "missing")
		return err
	})
	if code := codeOf(t, err); code != model.ErrNotFound {
		t.Errorf("code = %s, want %s", code, model.ErrNotFound)
	}
}

// --- instances ---

func TestMemoryStore_CreateInstance_stepsOrdered(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, testInstance("wf-1", "t1", time.Now().UTC()))

	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
	var steps []model.InstanceStep
	_ = store.RunInTx(context.Background(), func(tx Tx) error {
		var err error
		steps, err = tx.ListSteps(context.Background(), "wf-1")
		return err
	})
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].Title != "First" || steps[1].Title != "Second" {
		t.Errorf("steps not ordered by OrderIndex: %q, %q", steps[0].Title, steps[1].Title)
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, testInstance("wf-1", "t1", time.Now().UTC()))
	ctx := context.Background()

	boom := errors.New("handler failed")
	err := store.RunInTx(ctx, func(tx Tx) error {
		steps, _ := tx.ListSteps(ctx, "wf-1")
		steps[0].ActionState = model.StateInProgress
		if err := tx.UpdateStep(ctx, steps[0]); err != nil {
			return err
		}
		if err := tx.MergeContext(ctx, "wf-1", map[string]model.ContextValue{
			"paymentReceived": model.MustContextValue(true),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	_ = store.RunInTx(ctx, func(tx Tx) error {
		steps, _ := tx.ListSteps(ctx, "wf-1")
		if steps[0].ActionState != model.StateReady {
			t.Errorf("step state = %s, want READY (rolled back)", steps[0].ActionState)
		}
		inst, _ := tx.GetInstance(ctx, "wf-1")
		if _, ok := inst.Context["paymentReceived"]; ok {
			t.Error("context update should have been rolled back")
		}
		return nil
	})
}

func TestMemoryStore_UpdateInstance_versionConflict(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, testInstance("wf-1", "t1", time.Now().UTC()))
	ctx := context.Background()

	err := store.RunInTx(ctx, func(tx Tx) error {
		inst, _ := tx.GetInstance(ctx, "wf-1")
		inst.Status = model.InstancePaused
		return tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		t.Fatalf("UpdateInstance error: %v", err)
	}

	err = store.RunInTx(ctx, func(tx Tx) error {
		stale := testInstance("wf-1", "t1", time.Now().UTC())
		return tx.UpdateInstance(ctx, stale)
	})
	if code := codeOf(t, err); code != model.ErrConflict {
		t.Errorf("code = %s, want %s", code, model.ErrConflict)
	}
}

func TestMemoryStore_UpdateInstance_keepsContext(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, testInstance("wf-1", "t1", time.Now().UTC()))
	ctx := context.Background()

	_ = store.RunInTx(ctx, func(tx Tx) error {
		inst, _ := tx.GetInstance(ctx, "wf-1")
		_ = tx.MergeContext(ctx, "wf-1", map[string]model.ContextValue{"fee": model.MustContextValue(250)})
		inst.Context = nil
		return tx.UpdateInstance(ctx, inst)
	})

	_ = store.RunInTx(ctx, func(tx Tx) error {
		inst, _ := tx.GetInstance(ctx, "wf-1")
		if n, ok := inst.Context.Number("fee"); !ok || n != 250 {
			t.Errorf("fee = %v, %v; want 250", n, ok)
		}
		if _, ok := inst.Context.Bool("clientApproved"); !ok {
			t.Error("existing context key lost")
		}
		if inst.Version != 2 {
			t.Errorf("Version = %d, want 2", inst.Version)
		}
		return nil
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, testInstance("wf-1", "t1", time.Now().UTC()))
	ctx := context.Background()

	_ = store.RunInTx(ctx, func(tx Tx) error {
		inst, _ := tx.GetInstance(ctx, "wf-1")
		inst.Context["clientApproved"] = model.MustContextValue(true)
		return nil
	})
	_ = store.RunInTx(ctx, func(tx Tx) error {
		inst, _ := tx.GetInstance(ctx, "wf-1")
		if v, _ := inst.Context.Bool("clientApproved"); v {
			t.Error("mutating a returned instance changed stored state")
		}
		return nil
	})
}

func TestMemoryStore_ListInstances_filtersAndPaging(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"wf-1", "wf-2", "wf-3"} {
		inst := testInstance(id, "t1", base.Add(time.Duration(i)*time.Minute))
		if id == "wf-2" {
			inst.Subject = model.Subject{ContactID: "contact-7"}
		}
		seed(t, store, inst)
	}
	ctx := context.Background()

	list := func(f model.InstanceFilters) []model.WorkflowInstance {
		var out []model.WorkflowInstance
		_ = store.RunInTx(ctx, func(tx Tx) error {
			var err error
			out, err = tx.ListInstances(ctx, f)
			return err
		})
		return out
	}

	all := list(model.InstanceFilters{})
	if len(all) != 3 || all[0].ID != "wf-3" {
		t.Fatalf("list = %v, want newest first", all)
	}
	if got := list(model.InstanceFilters{MatterID: "matter-1"}); len(got) != 2 {
		t.Errorf("matter filter = %d, want 2", len(got))
	}
	if got := list(model.InstanceFilters{ContactID: "contact-7"}); len(got) != 1 || got[0].ID != "wf-2" {
		t.Errorf("contact filter = %v", got)
	}
	if got := list(model.InstanceFilters{Limit: 1, Offset: 1}); len(got) != 1 || got[0].ID != "wf-2" {
		t.Errorf("paged = %v, want [wf-2]", got)
	}
	if got := list(model.InstanceFilters{Offset: 5}); len(got) != 0 {
		t.Errorf("offset past end = %d, want 0", len(got))
	}
}

func TestMemoryStore_Notifications(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, testInstance("wf-1", "t1", time.Now().UTC()))
	ctx := context.Background()
	log := NewNotificationLog(store)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_ = log.Record(ctx, model.NotificationRecord{ID: "n2", InstanceID: "wf-1", Status: model.NotificationFailed, CreatedAt: at.Add(time.Second)})
	_ = log.Record(ctx, model.NotificationRecord{ID: "n1", InstanceID: "wf-1", Status: model.NotificationSent, CreatedAt: at})

	var recs []model.NotificationRecord
	_ = store.RunInTx(ctx, func(tx Tx) error {
		var err error
		recs, err = tx.ListNotifications(ctx, "wf-1")
		return err
	})
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].ID != "n1" {
		t.Errorf("first record = %q, want n1 (oldest first)", recs[0].ID)
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.RunInTx(ctx, func(Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("fn should not run on a canceled context")
	}
}
