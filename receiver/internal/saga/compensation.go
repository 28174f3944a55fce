package saga

import (
	"context"
	"fmt"
)

// Compensation описывает, как откатить выполненный шаг.
// Набор вариантов закрыт: InsertCompensation, UpdateCompensation,
// DeleteCompensation, RollbackCompensation, NoCompensation.
type Compensation interface {
	isCompensation()
}

// InsertCompensation: шаг вставил документ, откат удаляет его
type InsertCompensation struct {
	Collection string
	ID         string
}

// UpdateCompensation: шаг изменил документ, откат восстанавливает прежние поля
type UpdateCompensation struct {
	Collection string
	ID         string
	Previous   map[string]interface{}
}

// DeleteCompensation: шаг удалил документ, откат вставляет его обратно
type DeleteCompensation struct {
	Collection string
	Previous   map[string]interface{}
}

// Rollbacker - открытая транзакция реляционной БД
type Rollbacker interface {
	Rollback() error
}

// RollbackCompensation: шаг работает внутри транзакции, откат - нативный rollback
type RollbackCompensation struct {
	Tx Rollbacker
}

// NoCompensation: шагу нечего откатывать
type NoCompensation struct{}

func (InsertCompensation) isCompensation()   {}
func (UpdateCompensation) isCompensation()   {}
func (DeleteCompensation) isCompensation()   {}
func (RollbackCompensation) isCompensation() {}
func (NoCompensation) isCompensation()       {}

// Reverter - хранилище документов, умеющее откатывать изменения
type Reverter interface {
	DeleteDocument(ctx context.Context, collection, id string) error
	RestoreDocument(ctx context.Context, collection, id string, previous map[string]interface{}) error
	ReinsertDocument(ctx context.Context, collection string, doc map[string]interface{}) error
}

// Revert выполняет откат по варианту компенсации
func Revert(ctx context.Context, r Reverter, c Compensation) error {
	switch c.(type) {
	case InsertCompensation, UpdateCompensation, DeleteCompensation:
		if r == nil {
			return fmt.Errorf("no reverter for %T", c)
		}
	}

	switch c := c.(type) {
	case InsertCompensation:
		return r.DeleteDocument(ctx, c.Collection, c.ID)
	case UpdateCompensation:
		return r.RestoreDocument(ctx, c.Collection, c.ID, c.Previous)
	case DeleteCompensation:
		return r.ReinsertDocument(ctx, c.Collection, c.Previous)
	case RollbackCompensation:
		if c.Tx == nil {
			return fmt.Errorf("rollback compensation without transaction")
		}
		return c.Tx.Rollback()
	case NoCompensation, nil:
		return nil
	default:
		return fmt.Errorf("unknown compensation %T", c)
	}
}

// RevertWith возвращает функцию компенсации шага поверх Reverter
func RevertWith(r Reverter) func(context.Context, Compensation) error {
	return func(ctx context.Context, c Compensation) error {
		return Revert(ctx, r, c)
	}
}

// Describe - представление компенсации для журнала
func Describe(c Compensation) map[string]interface{} {
	switch c := c.(type) {
	case InsertCompensation:
		return map[string]interface{}{"kind": "insert", "collection": c.Collection, "id": c.ID}
	case UpdateCompensation:
		return map[string]interface{}{"kind": "update", "collection": c.Collection, "id": c.ID, "previous": c.Previous}
	case DeleteCompensation:
		return map[string]interface{}{"kind": "delete", "collection": c.Collection, "previous": c.Previous}
	case RollbackCompensation:
		return map[string]interface{}{"kind": "rollback"}
	default:
		return nil
	}
}
