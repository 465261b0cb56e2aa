package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gofonoteka/internal/domain/model"
)

// ReportRepository — интерфейс журнала обработки (append-only).
type ReportRepository interface {
	// CreateBlank создаёт пустой отчёт для записи каталога.
	CreateBlank(ctx context.Context, indexID string) (*model.IndexReport, error)
	// Append добавляет запись в конец отчёта.
	Append(ctx context.Context, indexID string, entry model.ReportEntry) error
	// GetByIndexID возвращает отчёт записи каталога.
	GetByIndexID(ctx context.Context, indexID string) (*model.IndexReport, error)
	// Recreate заменяет отчёт пустым (при reindex).
	Recreate(ctx context.Context, indexID string) (*model.IndexReport, error)
}

// reportRepo — реализация ReportRepository.
type reportRepo struct {
	db DBTX
}

// NewReportRepository создаёт репозиторий отчётов обработки.
func NewReportRepository(db DBTX) ReportRepository {
	return &reportRepo{db: db}
}

func (r *reportRepo) CreateBlank(ctx context.Context, indexID string) (*model.IndexReport, error) {
	return createBlankReport(ctx, r.db, indexID)
}

// createBlankReport — общая реализация создания пустого отчёта.
// Вынесена отдельно, чтобы indexRecordRepo мог создавать отчёты
// внутри транзакции batch find-or-create.
func createBlankReport(ctx context.Context, db DBTX, indexID string) (*model.IndexReport, error) {
	report := &model.IndexReport{
		ID:      uuid.New().String(),
		IndexID: indexID,
		Entries: []model.ReportEntry{},
	}

	query := `
		INSERT INTO index_reports (report_id, index_id, entries)
		VALUES ($1, $2, '[]'::jsonb)`

	if _, err := db.Exec(ctx, query, report.ID, report.IndexID); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: отчёт для записи %s уже существует", ErrConflict, indexID)
		}
		return nil, fmt.Errorf("ошибка создания отчёта: %w", err)
	}
	return report, nil
}

func (r *reportRepo) Append(ctx context.Context, indexID string, entry model.ReportEntry) error {
	return appendReportEntry(ctx, r.db, indexID, entry)
}

// appendReportEntry — общая реализация добавления записи в отчёт.
// Используется также из транзакции UpdateStatus.
func appendReportEntry(ctx context.Context, db DBTX, indexID string, entry model.ReportEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи отчёта: %w", err)
	}

	query := `
		UPDATE index_reports
		SET entries = entries || $2::jsonb
		WHERE index_id = $1`

	tag, err := db.Exec(ctx, query, indexID, data)
	if err != nil {
		return fmt.Errorf("ошибка добавления записи в отчёт: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *reportRepo) GetByIndexID(ctx context.Context, indexID string) (*model.IndexReport, error) {
	query := `
		SELECT report_id, index_id, entries
		FROM index_reports
		WHERE index_id = $1`

	report := &model.IndexReport{}
	var entries []byte
	err := r.db.QueryRow(ctx, query, indexID).Scan(&report.ID, &report.IndexID, &entries)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения отчёта: %w", err)
	}

	if err := json.Unmarshal(entries, &report.Entries); err != nil {
		return nil, fmt.Errorf("ошибка десериализации записей отчёта: %w", err)
	}
	return report, nil
}

func (r *reportRepo) Recreate(ctx context.Context, indexID string) (*model.IndexReport, error) {
	query := `DELETE FROM index_reports WHERE index_id = $1`
	if _, err := r.db.Exec(ctx, query, indexID); err != nil {
		return nil, fmt.Errorf("ошибка удаления старого отчёта: %w", err)
	}
	return createBlankReport(ctx, r.db, indexID)
}
