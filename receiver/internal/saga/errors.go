package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrStepFailed - шаг саги вернул ошибку, выполненные шаги откатаны
	ErrStepFailed = errors.New("saga step failed")
	// ErrManualIntervention - откат не удался, нужна ручная проверка
	ErrManualIntervention = errors.New("saga compensation failed: manual intervention required")
	// ErrNotFound - журнала нет
	ErrNotFound = errors.New("saga log not found")
)

// StepError - исходная ошибка шага
type StepError struct {
	TransactionID string
	Step          string
	Err           error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %q failed: %v", e.TransactionID, e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrStepFailed, e.Err}
}

// CompensationError - откат шага упал, сага в статусе failed
type CompensationError struct {
	TransactionID string
	Step          string
	Err           error
	Cause         error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation of step %q failed: %v (original error: %v)",
		e.TransactionID, e.Step, e.Err, e.Cause)
}

func (e *CompensationError) Unwrap() []error {
	return []error{ErrManualIntervention, e.Err}
}
