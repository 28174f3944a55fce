package saga

import (
	"time"
)

// Status - статус саги
type Status string

const (
	StatusPending      Status = "pending"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

// Terminal: completed, compensated, failed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// Collectable: журнал можно удалить по retention. Failed хранится до ручного разбора.
func (s Status) Collectable() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// CollectableStatuses - статусы, которые удаляет janitor
var CollectableStatuses = []Status{StatusCompleted, StatusCompensated}

// StepStatus - статус шага
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepRecord - запись шага в журнале
type StepRecord struct {
	Name             string                 `json:"name" bson:"name"`
	Status           StepStatus             `json:"status" bson:"status"`
	StartedAt        *time.Time             `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	CompensatedAt    *time.Time             `json:"compensated_at,omitempty" bson:"compensated_at,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CompensationData map[string]interface{} `json:"compensation_data,omitempty" bson:"compensation_data,omitempty"`
}

// TransactionLog - журнал одной саги
type TransactionLog struct {
	TransactionID           string                 `json:"transaction_id" bson:"transaction_id"`
	Name                    string                 `json:"name" bson:"name"`
	Status                  Status                 `json:"status" bson:"status"`
	Steps                   []StepRecord           `json:"steps" bson:"steps"`
	Metadata                map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	ErrorMessage            string                 `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt               time.Time              `json:"created_at" bson:"created_at"`
	CompletedAt             *time.Time             `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	CompensationStartedAt   *time.Time             `json:"compensation_started_at,omitempty" bson:"compensation_started_at,omitempty"`
	CompensationCompletedAt *time.Time             `json:"compensation_completed_at,omitempty" bson:"compensation_completed_at,omitempty"`
}

// StatusTimeField - поле времени, которое выставляется при переходе в статус
func StatusTimeField(s Status) string {
	switch s {
	case StatusCompleted, StatusFailed:
		return "completed_at"
	case StatusCompensating:
		return "compensation_started_at"
	case StatusCompensated:
		return "compensation_completed_at"
	default:
		return ""
	}
}

// ApplyStatus применяет переход статуса к журналу в памяти
func (l *TransactionLog) ApplyStatus(s Status, errMsg string, at time.Time) {
	l.Status = s
	if errMsg != "" {
		l.ErrorMessage = errMsg
	}
	t := at
	switch StatusTimeField(s) {
	case "completed_at":
		l.CompletedAt = &t
	case "compensation_started_at":
		l.CompensationStartedAt = &t
	case "compensation_completed_at":
		l.CompensationCompletedAt = &t
	}
}
