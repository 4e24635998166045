package sync

import (
	"context"
	"time"
)

// Store - серверное хранилище синхронизируемых записей.
// Любой доступ к записям идет через представление одного владельца.
type Store interface {
	// Owner возвращает представление, ограниченное записями ownerID.
	Owner(ownerID string) OwnerStore

	// PruneLogs удаляет записи журнала, завершенные до cutoff.
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
}

// Page - кусок ленты изменений владельца.
type Page struct {
	// Entities упорядочены по LastModifiedAt по возрастанию.
	Entities []Entity
	// Clock - логические часы владельца из того же снимка, что и
	// Entities. Сущности новее Clock никогда не возвращаются.
	Clock int64
}

// OwnerStore - хранилище с точки зрения одного владельца.
type OwnerStore interface {
	// Changes возвращает не больше limit записей с LastModifiedAt > since,
	// при необходимости только указанных типов.
	Changes(ctx context.Context, since int64, types []EntityType, limit int) (*Page, error)

	// Apply выполняет fn в транзакции под блокировкой записи владельца.
	// Если fn вернула ошибку, ничего из записанного не видно.
	Apply(ctx context.Context, fn func(ctx context.Context, tx OwnerTx) error) error

	// AppendLog сохраняет неизменяемую запись журнала.
	AppendLog(ctx context.Context, entry *LogEntry) error

	// Logs возвращает последние записи первыми.
	Logs(ctx context.Context, limit int) ([]LogEntry, error)

	// Status возвращает часы и число записей по типам.
	Status(ctx context.Context) (*OwnerStatus, error)
}

// OwnerTx - пишущая сторона транзакции владельца.
type OwnerTx interface {
	// Get возвращает nil без ошибки, если записи нет.
	Get(ctx context.Context, t EntityType, clientID string) (*Entity, error)
	Insert(ctx context.Context, e *Entity) error
	Update(ctx context.Context, e *Entity) error
	// NextStamp сдвигает логические часы владельца и возвращает новое значение.
	NextStamp(ctx context.Context) (int64, error)
}

// Recorder принимает метрики синхронизации.
type Recorder interface {
	ObserveSync(direction, status string, records, conflicts int, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSync(string, string, int, int, time.Duration) {}
