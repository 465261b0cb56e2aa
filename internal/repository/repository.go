// Пакет repository — слой доступа к данным каталога: mount, записи
// индекса, отчёты обработки, справочные сущности и очередь задач живут
// в PostgreSQL. Все запросы — чистый SQL через pgx, без ORM. Связи между
// записями и отчётами хранятся идентификаторами и разрешаются чтением,
// без встроенных обратных ссылок.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — ресурс отсутствует в каталоге.
	ErrNotFound = errors.New("ресурс не найден в каталоге")
	// ErrConflict — нарушение уникальности: ресурс уже существует либо
	// находится в состоянии, запрещающем операцию (reindex записи в ignore).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
)

// DBTX — интерфейс выполнения SQL-запросов. Реализуется и *pgxpool.Pool,
// и pgx.Tx: репозитории работают как на пуле API, так и на изолированном
// подключении воркера очереди, внутри и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner выполняет операции в транзакции на заданном пуле.
// Чанк batch find-or-create — одна транзакция TxRunner.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner поверх пула.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции: откат при ошибке fn,
// коммит при успехе.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности
// PostgreSQL. Вставка записей каталога и сущностей идёт через ON CONFLICT
// и сюда не попадает; проверка нужна местам с обычным INSERT (mount, отчёты).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
