package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memLogStore - журнал саг в памяти
type memLogStore struct {
	mu       sync.Mutex
	logs     map[string]*TransactionLog
	statuses []Status
}

func newMemLogStore() *memLogStore {
	return &memLogStore{logs: make(map[string]*TransactionLog)}
}

func (m *memLogStore) Create(ctx context.Context, l *TransactionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	cp.Steps = append([]StepRecord(nil), l.Steps...)
	m.logs[l.TransactionID] = &cp
	m.statuses = append(m.statuses, l.Status)
	return nil
}

func (m *memLogStore) SaveStep(ctx context.Context, id string, i int, s StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[id].Steps[i] = s
	return nil
}

func (m *memLogStore) SetStatus(ctx context.Context, id string, s Status, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[id].ApplyStatus(s, errMsg, at)
	m.statuses = append(m.statuses, s)
	return nil
}

func (m *memLogStore) Get(ctx context.Context, id string) (*TransactionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memLogStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, l := range m.logs {
		if l.Status.Collectable() && l.CreatedAt.Before(before) {
			delete(m.logs, id)
			n++
		}
	}
	return n, nil
}

// recorder собирает порядок вызовов
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func step(rec *recorder, name string, execErr, compErr error) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context) (interface{}, error) {
			rec.add("exec:" + name)
			return name, execErr
		},
		Extract: func(result interface{}) Compensation {
			return InsertCompensation{Collection: "test", ID: result.(string)}
		},
		Compensate: func(ctx context.Context, c Compensation) error {
			rec.add("comp:" + c.(InsertCompensation).ID)
			return compErr
		},
	}
}

func TestOrchestrator_AllStepsSucceed(t *testing.T) {
	store := newMemLogStore()
	rec := &recorder{}

	o := New("test_saga", store).
		AddStep(step(rec, "a", nil, nil)).
		AddStep(step(rec, "b", nil, nil))

	if err := o.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	l, _ := store.Get(context.Background(), o.TransactionID())
	if l.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", l.Status)
	}
	for _, s := range l.Steps {
		if s.Status != StepCompleted || s.CompletedAt == nil {
			t.Errorf("шаг %s: %+v", s.Name, s)
		}
	}
	if l.Steps[0].CompensationData["kind"] != "insert" {
		t.Errorf("compensation_data = %v", l.Steps[0].CompensationData)
	}

	want := []Status{StatusPending, StatusInProgress, StatusCompleted}
	if len(store.statuses) != len(want) {
		t.Fatalf("переходы = %v, want %v", store.statuses, want)
	}
	for i := range want {
		if store.statuses[i] != want[i] {
			t.Errorf("переход %d = %s, want %s", i, store.statuses[i], want[i])
		}
	}
}

func TestOrchestrator_FailureCompensatesInReverse(t *testing.T) {
	store := newMemLogStore()
	rec := &recorder{}
	boom := errors.New("boom")

	o := New("test_saga", store).
		AddStep(step(rec, "a", nil, nil)).
		AddStep(step(rec, "b", nil, nil)).
		AddStep(step(rec, "c", boom, nil)).
		AddStep(step(rec, "d", nil, nil))

	err := o.Execute(context.Background())
	if !errors.Is(err, ErrStepFailed) || !errors.Is(err, boom) {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []string{"exec:a", "exec:b", "exec:c", "comp:b", "comp:a"}
	if len(rec.calls) != len(want) {
		t.Fatalf("вызовы = %v, want %v", rec.calls, want)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Errorf("вызов %d = %s, want %s", i, rec.calls[i], want[i])
		}
	}

	l, _ := store.Get(context.Background(), o.TransactionID())
	if l.Status != StatusCompensated {
		t.Errorf("Status = %s, want compensated", l.Status)
	}
	wantSteps := []StepStatus{StepCompensated, StepCompensated, StepFailed, StepPending}
	for i, s := range l.Steps {
		if s.Status != wantSteps[i] {
			t.Errorf("шаг %s = %s, want %s", s.Name, s.Status, wantSteps[i])
		}
	}
	if l.Steps[2].ErrorMessage != "boom" {
		t.Errorf("error_message = %q", l.Steps[2].ErrorMessage)
	}
	if l.CompensationStartedAt == nil || l.CompensationCompletedAt == nil {
		t.Error("времена компенсации должны быть заполнены")
	}
}

func TestOrchestrator_CompensationFailureMarksFailed(t *testing.T) {
	store := newMemLogStore()
	rec := &recorder{}

	o := New("test_saga", store).
		AddStep(step(rec, "a", nil, nil)).
		AddStep(step(rec, "b", nil, errors.New("cannot undo"))).
		AddStep(step(rec, "c", errors.New("boom"), nil))

	err := o.Execute(context.Background())
	if !errors.Is(err, ErrManualIntervention) {
		t.Fatalf("ожидалась ErrManualIntervention, получено %v", err)
	}

	var compErr *CompensationError
	if !errors.As(err, &compErr) || compErr.Step != "b" {
		t.Errorf("CompensationError = %+v", compErr)
	}

	// После сбоя компенсации шаг a не трогается
	for _, c := range rec.calls {
		if c == "comp:a" {
			t.Error("компенсация не должна продолжаться после сбоя")
		}
	}

	l, _ := store.Get(context.Background(), o.TransactionID())
	if l.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", l.Status)
	}
}

// ctxLogStore отказывает в записи по отмененному контексту, как драйвер MongoDB
type ctxLogStore struct {
	*memLogStore
}

func (c ctxLogStore) SaveStep(ctx context.Context, id string, i int, s StepRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memLogStore.SaveStep(ctx, id, i, s)
}

func (c ctxLogStore) SetStatus(ctx context.Context, id string, s Status, errMsg string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memLogStore.SetStatus(ctx, id, s, errMsg, at)
}

func TestOrchestrator_DeadlineStillCompensates(t *testing.T) {
	store := ctxLogStore{newMemLogStore()}
	var deleted []string

	o := New("test_saga", store).
		AddStep(Step{
			Name:    "insert",
			Execute: func(ctx context.Context) (interface{}, error) { return "doc-1", nil },
			Extract: func(res interface{}) Compensation {
				return InsertCompensation{Collection: "test", ID: res.(string)}
			},
			Compensate: func(ctx context.Context, c Compensation) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				deleted = append(deleted, c.(InsertCompensation).ID)
				return nil
			},
		}).
		AddStep(Step{
			Name: "slow",
			Execute: func(ctx context.Context) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := o.Execute(ctx)
	if !errors.Is(err, ErrStepFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v", err)
	}
	if errors.Is(err, ErrManualIntervention) {
		t.Error("компенсация не должна падать из-за дедлайна запроса")
	}
	if len(deleted) != 1 || deleted[0] != "doc-1" {
		t.Errorf("удалено = %v, want [doc-1]", deleted)
	}

	l, _ := store.Get(context.Background(), o.TransactionID())
	if l.Status != StatusCompensated {
		t.Errorf("Status = %s, want compensated", l.Status)
	}
	if l.Steps[0].Status != StepCompensated || l.Steps[1].Status != StepFailed {
		t.Errorf("шаги = %+v", l.Steps)
	}
}

func TestRevert_Variants(t *testing.T) {
	rb := &fakeTx{}
	if err := Revert(context.Background(), nil, RollbackCompensation{Tx: rb}); err != nil || !rb.rolledBack {
		t.Errorf("rollback: err=%v rolledBack=%v", err, rb.rolledBack)
	}
	if err := Revert(context.Background(), nil, NoCompensation{}); err != nil {
		t.Errorf("NoCompensation: %v", err)
	}
	if err := Revert(context.Background(), nil, InsertCompensation{ID: "x"}); err == nil {
		t.Error("без Reverter документная компенсация должна вернуть ошибку")
	}
}

type fakeTx struct{ rolledBack bool }

func (f *fakeTx) Rollback() error { f.rolledBack = true; return nil }

func TestJanitor_DeletesOnlyOldTerminal(t *testing.T) {
	store := newMemLogStore()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-31 * 24 * time.Hour)

	store.logs["old-done"] = &TransactionLog{TransactionID: "old-done", Status: StatusCompleted, CreatedAt: old}
	store.logs["old-running"] = &TransactionLog{TransactionID: "old-running", Status: StatusInProgress, CreatedAt: old}
	store.logs["old-failed"] = &TransactionLog{TransactionID: "old-failed", Status: StatusFailed, CreatedAt: old}
	store.logs["new-done"] = &TransactionLog{TransactionID: "new-done", Status: StatusCompensated, CreatedAt: now}

	j := NewJanitor(store, 30*24*time.Hour, time.Hour)
	j.now = func() time.Time { return now }

	n, err := j.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v", n, err)
	}
	if _, ok := store.logs["old-running"]; !ok {
		t.Error("незавершенная сага не должна удаляться")
	}
	if _, ok := store.logs["old-failed"]; !ok {
		t.Error("failed сага ждет ручного разбора и не удаляется")
	}
}
