package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/metrics"
)

// LogStore - хранилище журналов саг
type LogStore interface {
	Create(ctx context.Context, log *TransactionLog) error
	SaveStep(ctx context.Context, transactionID string, index int, step StepRecord) error
	SetStatus(ctx context.Context, transactionID string, status Status, errMsg string, at time.Time) error
	Get(ctx context.Context, transactionID string) (*TransactionLog, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// Step - шаг саги.
// Extract превращает результат Execute в данные компенсации.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) (interface{}, error)
	Extract    func(result interface{}) Compensation
	Compensate func(ctx context.Context, c Compensation) error
}

type executedStep struct {
	index        int
	compensation Compensation
}

// Orchestrator выполняет шаги по порядку и откатывает выполненные в обратном порядке
type Orchestrator struct {
	name     string
	store    LogStore
	steps    []Step
	metadata map[string]interface{}
	txID     string
	record   TransactionLog
	now      func() time.Time
	log      zerolog.Logger

	// Таймаут компенсации и записи журнала, не зависит от контекста шагов
	cleanupTimeout time.Duration
}

// DefaultCleanupTimeout - таймаут компенсации и записи журнала
const DefaultCleanupTimeout = 30 * time.Second

// New создает сагу с новым transaction id
func New(name string, store LogStore) *Orchestrator {
	return &Orchestrator{
		name:  name,
		store: store,
		txID:  uuid.New().String(),
		now:   func() time.Time { return time.Now().UTC() },
		log:   logging.With("saga"),

		cleanupTimeout: DefaultCleanupTimeout,
	}
}

// WithCleanupTimeout задает таймаут компенсации и записи журнала
func (o *Orchestrator) WithCleanupTimeout(d time.Duration) *Orchestrator {
	if d > 0 {
		o.cleanupTimeout = d
	}
	return o
}

// detached - контекст компенсации и журнала: отмена запроса на него не действует
func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
}

// AddStep добавляет шаг
func (o *Orchestrator) AddStep(s Step) *Orchestrator {
	o.steps = append(o.steps, s)
	return o
}

// WithMetadata сохраняет метаданные в журнал
func (o *Orchestrator) WithMetadata(m map[string]interface{}) *Orchestrator {
	o.metadata = m
	return o
}

// TransactionID возвращает id саги
func (o *Orchestrator) TransactionID() string {
	return o.txID
}

// Execute выполняет сагу.
// Ошибка шага: выполненные шаги компенсируются, сага compensated, возвращается *StepError.
// Ошибка компенсации: сага failed, возвращается *CompensationError.
func (o *Orchestrator) Execute(ctx context.Context) error {
	log := o.log.With().Str("saga", o.name).Str("transaction_id", o.txID).Logger()

	o.record = TransactionLog{
		TransactionID: o.txID,
		Name:          o.name,
		Status:        StatusPending,
		Steps:         make([]StepRecord, len(o.steps)),
		Metadata:      o.metadata,
		CreatedAt:     o.now(),
	}
	for i, s := range o.steps {
		o.record.Steps[i] = StepRecord{Name: s.Name, Status: StepPending}
	}

	if err := o.store.Create(ctx, &o.record); err != nil {
		return err
	}
	o.setStatus(ctx, StatusInProgress, "")

	log.Info().Int("steps", len(o.steps)).Msg("saga started")

	var done []executedStep
	for i, step := range o.steps {
		started := o.now()
		o.record.Steps[i].StartedAt = &started

		result, err := step.Execute(ctx)
		if err != nil {
			o.record.Steps[i].Status = StepFailed
			o.record.Steps[i].ErrorMessage = err.Error()
			o.saveStep(ctx, i)

			log.Warn().Err(err).Str("step", step.Name).Msg("saga step failed, compensating")
			cleanupCtx, cancel := o.detached(ctx)
			defer cancel()
			return o.compensate(cleanupCtx, done, &StepError{TransactionID: o.txID, Step: step.Name, Err: err})
		}

		var comp Compensation = NoCompensation{}
		if step.Extract != nil {
			comp = step.Extract(result)
		}

		completed := o.now()
		o.record.Steps[i].Status = StepCompleted
		o.record.Steps[i].CompletedAt = &completed
		o.record.Steps[i].CompensationData = Describe(comp)
		o.saveStep(ctx, i)

		done = append(done, executedStep{index: i, compensation: comp})
	}

	o.setStatus(ctx, StatusCompleted, "")
	metrics.SagaResults.WithLabelValues(o.name, string(StatusCompleted)).Inc()
	log.Info().Msg("saga completed")
	return nil
}

func (o *Orchestrator) compensate(ctx context.Context, done []executedStep, cause *StepError) error {
	o.setStatus(ctx, StatusCompensating, cause.Error())

	for j := len(done) - 1; j >= 0; j-- {
		exec := done[j]
		step := o.steps[exec.index]

		var err error
		if step.Compensate != nil {
			err = step.Compensate(ctx, exec.compensation)
		} else {
			err = Revert(ctx, nil, exec.compensation)
		}

		if err != nil {
			o.record.Steps[exec.index].ErrorMessage = err.Error()
			o.saveStep(ctx, exec.index)
			o.setStatus(ctx, StatusFailed, err.Error())
			metrics.SagaResults.WithLabelValues(o.name, string(StatusFailed)).Inc()

			o.log.Error().Err(err).
				Str("saga", o.name).
				Str("transaction_id", o.txID).
				Str("step", step.Name).
				Bool("manual_intervention", true).
				Msg("CRITICAL: saga compensation failed")

			return &CompensationError{TransactionID: o.txID, Step: step.Name, Err: err, Cause: cause.Err}
		}

		compensated := o.now()
		o.record.Steps[exec.index].Status = StepCompensated
		o.record.Steps[exec.index].CompensatedAt = &compensated
		o.saveStep(ctx, exec.index)
	}

	o.setStatus(ctx, StatusCompensated, "")
	metrics.SagaResults.WithLabelValues(o.name, string(StatusCompensated)).Inc()
	o.log.Info().Str("saga", o.name).Str("transaction_id", o.txID).Msg("saga compensated")
	return cause
}

// Сбой журнала не прерывает сагу: состояние в памяти остается верным
func (o *Orchestrator) saveStep(ctx context.Context, i int) {
	ctx, cancel := o.detached(ctx)
	defer cancel()
	if err := o.store.SaveStep(ctx, o.txID, i, o.record.Steps[i]); err != nil {
		o.log.Error().Err(err).Str("transaction_id", o.txID).Int("step", i).Msg("failed to persist saga step")
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, s Status, errMsg string) {
	at := o.now()
	o.record.ApplyStatus(s, errMsg, at)
	ctx, cancel := o.detached(ctx)
	defer cancel()
	if err := o.store.SetStatus(ctx, o.txID, s, errMsg, at); err != nil {
		o.log.Error().Err(err).Str("transaction_id", o.txID).Str("status", string(s)).Msg("failed to persist saga status")
	}
}

// Log возвращает состояние журнала в памяти
func (o *Orchestrator) Log() TransactionLog {
	return o.record
}
