// index_record.go — репозиторий записей каталога и транзакционный
// find-or-create.
//
// Батч кандидатов обрабатывается чанками (размер и пауза между чанками
// задаются конфигурацией): один чанк — одна транзакция. Поиск-затем-создание
// для отдельного файла не race-free между независимыми воркерами, поэтому
// вставка идёт через ON CONFLICT DO NOTHING по уникальному кортежу
// (mount_id, directory, filename): проигравший гонку воркер перечитывает
// выигравшую запись и использует её (last-writer-wins recovery).
package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gofonoteka/internal/domain/lifecycle"
	"github.com/bigkaa/gofonoteka/internal/domain/model"
)

// BatchOptions — параметры пакетного find-or-create.
// Константы чанкования взяты из конфигурации и не являются load-bearing:
// пауза между чанками — backpressure при больших первичных сканированиях.
type BatchOptions struct {
	// ChunkSize — максимальное число кандидатов в одном чанке
	ChunkSize int
	// ChunkDelay — пауза между чанками
	ChunkDelay time.Duration
	// Sleep — функция паузы (заменяется в тестах)
	Sleep func(time.Duration)
}

// BatchResult — результат пакетного find-or-create.
type BatchResult struct {
	// Records — все результирующие записи (существующие + созданные)
	Records []*model.IndexRecord
	// Created — количество созданных записей
	Created int
	// Existing — количество переиспользованных существующих записей
	Existing int
	// Chunks — количество обработанных чанков
	Chunks int
}

// RecordListFilters — фильтры списка записей каталога.
type RecordListFilters struct {
	MountID *string
	Status  *model.IndexStatus
}

// IndexRecordRepository — интерфейс записей каталога.
type IndexRecordRepository interface {
	// FindOrCreateBatch выполняет пакетный find-or-create для кандидатов,
	// найденных сканером. Для каждой новой записи создаётся пустой отчёт;
	// для существующих отчёт не создаётся.
	FindOrCreateBatch(ctx context.Context, mount *model.Mount, candidates []model.FileCandidate) (*BatchResult, error)
	// GetByID возвращает запись по UUID.
	GetByID(ctx context.Context, indexID string) (*model.IndexRecord, error)
	// List возвращает записи с фильтрацией.
	List(ctx context.Context, filters RecordListFilters, limit, offset int) ([]*model.IndexRecord, error)
	// KnownPaths возвращает множество кортежей directory/filename,
	// уже известных каталогу для mount (включая ignore).
	KnownPaths(ctx context.Context, mountID string) (map[string]struct{}, error)
	// UpdateStatus выполняет переход жизненного цикла. Для переходов в
	// статусы ошибок запись отчёта обязательна и выполняется в той же
	// транзакции, что и смена статуса.
	UpdateStatus(ctx context.Context, indexID string, to model.IndexStatus, entry *model.ReportEntry) (*model.IndexRecord, error)
	// SetChecksum сохраняет контрольную сумму после обработки.
	SetChecksum(ctx context.Context, indexID, checksum string) error
	// Reindex возвращает запись в preparing и пересоздаёт отчёт.
	// Для записи в статусе ignore возвращает ErrConflict.
	Reindex(ctx context.Context, indexID string) (*model.IndexRecord, error)
	// Ignore переводит запись в терминальный статус ignore.
	Ignore(ctx context.Context, indexID string) (*model.IndexRecord, error)
	// FindDuplicateByChecksum ищет другую запись с той же контрольной
	// суммой в статусе ok или processing.
	FindDuplicateByChecksum(ctx context.Context, checksum, excludeID string) (*model.IndexRecord, error)
}

// indexRecordRepo — реализация IndexRecordRepository.
type indexRecordRepo struct {
	db   DBTX
	txr  *TxRunner
	opts BatchOptions
}

// NewIndexRecordRepository создаёт репозиторий записей каталога.
func NewIndexRecordRepository(db DBTX, txr *TxRunner, opts BatchOptions) IndexRecordRepository {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &indexRecordRepo{db: db, txr: txr, opts: opts}
}

const recordColumns = `index_id, mount_id, directory, filename, size, checksum,
		status, uploader_id, report_id, indexed_at`

// scanRecord читает одну запись каталога из pgx.Row.
func scanRecord(row pgx.Row) (*model.IndexRecord, error) {
	rec := &model.IndexRecord{}
	err := row.Scan(
		&rec.ID, &rec.MountID, &rec.Directory, &rec.Filename, &rec.Size,
		&rec.Checksum, &rec.Status, &rec.UploaderID, &rec.ReportID, &rec.IndexedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *indexRecordRepo) FindOrCreateBatch(ctx context.Context, mount *model.Mount, candidates []model.FileCandidate) (*BatchResult, error) {
	result := &BatchResult{}

	for start := 0; start < len(candidates); start += r.opts.ChunkSize {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		// Пауза между чанками, не перед первым
		if start > 0 && r.opts.ChunkDelay > 0 {
			r.opts.Sleep(r.opts.ChunkDelay)
		}

		end := start + r.opts.ChunkSize
		if end > len(candidates) {
			end = len(candidates)
		}

		chunk := candidates[start:end]
		records, created, err := r.findOrCreateChunk(ctx, mount, chunk)
		if err != nil {
			return result, fmt.Errorf("ошибка обработки чанка %d: %w", result.Chunks, err)
		}

		result.Records = append(result.Records, records...)
		result.Created += created
		result.Existing += len(records) - created
		result.Chunks++
	}

	return result, nil
}

// findOrCreateChunk обрабатывает один чанк кандидатов в одной транзакции.
func (r *indexRecordRepo) findOrCreateChunk(ctx context.Context, mount *model.Mount, chunk []model.FileCandidate) ([]*model.IndexRecord, int, error) {
	var records []*model.IndexRecord
	var created int

	err := r.txr.RunInTx(ctx, func(tx pgx.Tx) error {
		records = records[:0]
		created = 0

		// 1. Поиск существующих записей чанка одним запросом
		existing, err := fetchByTuples(ctx, tx, mount.ID, chunk)
		if err != nil {
			return err
		}

		for _, c := range chunk {
			// 2. Существующая запись переиспользуется, отчёт не создаётся
			if rec, ok := existing[tuple{c.Directory, c.Filename}]; ok {
				records = append(records, rec)
				continue
			}

			// 3. Новая запись: статус preparing, размер через stat;
			// недоступный путь — errored_path
			rec := &model.IndexRecord{
				ID:        uuid.New().String(),
				MountID:   mount.ID,
				Directory: c.Directory,
				Filename:  c.Filename,
				Status:    model.StatusPreparing,
			}

			var statErr error
			fullPath := filepath.Join(mount.Path, c.Directory, c.Filename)
			if info, err := os.Stat(fullPath); err != nil {
				rec.Status = model.StatusErroredPath
				statErr = err
			} else {
				rec.Size = info.Size()
			}

			inserted, err := insertRecord(ctx, tx, rec)
			if err != nil {
				return err
			}

			if !inserted {
				// Проигранная гонка с параллельным сканированием:
				// перечитываем выигравшую запись и используем её
				winner, err := fetchByTuple(ctx, tx, mount.ID, c.Directory, c.Filename)
				if err != nil {
					return fmt.Errorf("перечитывание записи после конфликта: %w", err)
				}
				records = append(records, winner)
				continue
			}

			// 5. Пустой отчёт для каждой созданной записи
			report, err := createBlankReport(ctx, tx, rec.ID)
			if err != nil {
				return err
			}
			rec.ReportID = &report.ID

			setReport := `UPDATE index_records SET report_id = $2 WHERE index_id = $1`
			if _, err := tx.Exec(ctx, setReport, rec.ID, report.ID); err != nil {
				return fmt.Errorf("ошибка привязки отчёта: %w", err)
			}

			// Недоступный путь фиксируется в отчёте сразу при создании
			if statErr != nil {
				entry := model.ReportEntry{
					Timestamp: time.Now().UTC(),
					Level:     model.LevelError,
					Message:   fmt.Sprintf("путь недоступен: %v", statErr),
				}
				if err := appendReportEntry(ctx, tx, rec.ID, entry); err != nil {
					return err
				}
			}

			records = append(records, rec)
			created++
		}

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return records, created, nil
}

// tuple — ключ кортежа (directory, filename).
type tuple struct {
	directory string
	filename  string
}

// fetchByTuples возвращает существующие записи mount по кортежам чанка.
// Сопоставление идёт по значениям пар через unnest параллельных массивов:
// конкатенация directory и filename дала бы ложные совпадения на границе.
func fetchByTuples(ctx context.Context, db DBTX, mountID string, chunk []model.FileCandidate) (map[tuple]*model.IndexRecord, error) {
	dirs := make([]string, len(chunk))
	files := make([]string, len(chunk))
	for i, c := range chunk {
		dirs[i] = c.Directory
		files[i] = c.Filename
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM index_records
		JOIN unnest($2::text[], $3::text[]) AS t(d, f)
			ON directory = t.d AND filename = t.f
		WHERE mount_id = $1`, recordColumns)

	rows, err := db.Query(ctx, query, mountID, dirs, files)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска существующих записей: %w", err)
	}
	defer rows.Close()

	result := make(map[tuple]*model.IndexRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result[tuple{rec.Directory, rec.Filename}] = rec
	}
	return result, rows.Err()
}

// fetchByTuple возвращает запись mount по кортежу (directory, filename).
func fetchByTuple(ctx context.Context, db DBTX, mountID, directory, filename string) (*model.IndexRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM index_records
		WHERE mount_id = $1 AND directory = $2 AND filename = $3`, recordColumns)

	rec, err := scanRecord(db.QueryRow(ctx, query, mountID, directory, filename))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи по кортежу: %w", err)
	}
	return rec, nil
}

// insertRecord вставляет запись через ON CONFLICT DO NOTHING.
// Возвращает false, если кортеж уже занят параллельным воркером.
func insertRecord(ctx context.Context, db DBTX, rec *model.IndexRecord) (bool, error) {
	query := `
		INSERT INTO index_records (index_id, mount_id, directory, filename,
			size, status, uploader_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (mount_id, directory, filename) DO NOTHING
		RETURNING indexed_at`

	err := db.QueryRow(ctx, query,
		rec.ID, rec.MountID, rec.Directory, rec.Filename,
		rec.Size, rec.Status, rec.UploaderID,
	).Scan(&rec.IndexedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("ошибка вставки записи: %w", err)
	}
	return true, nil
}

func (r *indexRecordRepo) GetByID(ctx context.Context, indexID string) (*model.IndexRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM index_records WHERE index_id = $1`, recordColumns)

	rec, err := scanRecord(r.db.QueryRow(ctx, query, indexID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return rec, nil
}

func (r *indexRecordRepo) List(ctx context.Context, filters RecordListFilters, limit, offset int) ([]*model.IndexRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM index_records`, recordColumns)
	var conditions []string
	var args []any

	if filters.MountID != nil {
		args = append(args, *filters.MountID)
		conditions = append(conditions, fmt.Sprintf("mount_id = $%d", len(args)))
	}
	if filters.Status != nil {
		args = append(args, *filters.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY indexed_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка записей: %w", err)
	}
	defer rows.Close()

	var result []*model.IndexRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *indexRecordRepo) KnownPaths(ctx context.Context, mountID string) (map[string]struct{}, error) {
	query := `SELECT directory, filename FROM index_records WHERE mount_id = $1`

	rows, err := r.db.Query(ctx, query, mountID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения известных путей: %w", err)
	}
	defer rows.Close()

	result := make(map[string]struct{})
	for rows.Next() {
		var directory, filename string
		if err := rows.Scan(&directory, &filename); err != nil {
			return nil, fmt.Errorf("ошибка сканирования пути: %w", err)
		}
		result[filepath.Join(directory, filename)] = struct{}{}
	}
	return result, rows.Err()
}

func (r *indexRecordRepo) UpdateStatus(ctx context.Context, indexID string, to model.IndexStatus, entry *model.ReportEntry) (*model.IndexRecord, error) {
	if lifecycle.RequiresReport(to) && entry == nil {
		return nil, fmt.Errorf("переход в %s требует записи в отчёт", to)
	}

	var updated *model.IndexRecord
	err := r.txr.RunInTx(ctx, func(tx pgx.Tx) error {
		rec, err := lockRecord(ctx, tx, indexID)
		if err != nil {
			return err
		}

		if err := lifecycle.Validate(rec.Status, to, false); err != nil {
			return err
		}

		// Запись отчёта — до фиксации перехода, в той же транзакции
		if entry != nil {
			if err := appendReportEntry(ctx, tx, indexID, *entry); err != nil {
				return err
			}
		}

		query := `UPDATE index_records SET status = $2 WHERE index_id = $1`
		if _, err := tx.Exec(ctx, query, indexID, to); err != nil {
			return fmt.Errorf("ошибка обновления статуса: %w", err)
		}

		rec.Status = to
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *indexRecordRepo) SetChecksum(ctx context.Context, indexID, checksum string) error {
	query := `UPDATE index_records SET checksum = $2 WHERE index_id = $1`

	tag, err := r.db.Exec(ctx, query, indexID, checksum)
	if err != nil {
		return fmt.Errorf("ошибка сохранения контрольной суммы: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *indexRecordRepo) Reindex(ctx context.Context, indexID string) (*model.IndexRecord, error) {
	var updated *model.IndexRecord
	err := r.txr.RunInTx(ctx, func(tx pgx.Tx) error {
		rec, err := lockRecord(ctx, tx, indexID)
		if err != nil {
			return err
		}

		if rec.Status == model.StatusIgnore {
			return fmt.Errorf("%w: запись исключена из каталога, reindex невозможен", ErrConflict)
		}
		if err := lifecycle.Validate(rec.Status, model.StatusPreparing, true); err != nil {
			return err
		}

		query := `
			UPDATE index_records
			SET status = $2, checksum = NULL
			WHERE index_id = $1`
		if _, err := tx.Exec(ctx, query, indexID, model.StatusPreparing); err != nil {
			return fmt.Errorf("ошибка сброса статуса: %w", err)
		}

		// Отчёт пересоздаётся: история прошлой обработки не смешивается с новой
		del := `DELETE FROM index_reports WHERE index_id = $1`
		if _, err := tx.Exec(ctx, del, indexID); err != nil {
			return fmt.Errorf("ошибка удаления старого отчёта: %w", err)
		}
		report, err := createBlankReport(ctx, tx, indexID)
		if err != nil {
			return err
		}

		setReport := `UPDATE index_records SET report_id = $2 WHERE index_id = $1`
		if _, err := tx.Exec(ctx, setReport, indexID, report.ID); err != nil {
			return fmt.Errorf("ошибка привязки отчёта: %w", err)
		}

		rec.Status = model.StatusPreparing
		rec.Checksum = nil
		rec.ReportID = &report.ID
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *indexRecordRepo) Ignore(ctx context.Context, indexID string) (*model.IndexRecord, error) {
	var updated *model.IndexRecord
	err := r.txr.RunInTx(ctx, func(tx pgx.Tx) error {
		rec, err := lockRecord(ctx, tx, indexID)
		if err != nil {
			return err
		}

		if err := lifecycle.Validate(rec.Status, model.StatusIgnore, false); err != nil {
			return err
		}

		entry := model.ReportEntry{
			Timestamp: time.Now().UTC(),
			Level:     model.LevelInfo,
			Message:   "запись исключена из каталога администратором",
		}
		if err := appendReportEntry(ctx, tx, indexID, entry); err != nil {
			return err
		}

		query := `UPDATE index_records SET status = $2 WHERE index_id = $1`
		if _, err := tx.Exec(ctx, query, indexID, model.StatusIgnore); err != nil {
			return fmt.Errorf("ошибка исключения записи: %w", err)
		}

		rec.Status = model.StatusIgnore
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *indexRecordRepo) FindDuplicateByChecksum(ctx context.Context, checksum, excludeID string) (*model.IndexRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM index_records
		WHERE checksum = $1
			AND index_id != $2
			AND status IN ('ok', 'processing')
		LIMIT 1`, recordColumns)

	rec, err := scanRecord(r.db.QueryRow(ctx, query, checksum, excludeID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска дубликата: %w", err)
	}
	return rec, nil
}

// lockRecord читает запись с блокировкой строки (FOR UPDATE).
func lockRecord(ctx context.Context, tx pgx.Tx, indexID string) (*model.IndexRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM index_records
		WHERE index_id = $1
		FOR UPDATE`, recordColumns)

	rec, err := scanRecord(tx.QueryRow(ctx, query, indexID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка блокировки записи: %w", err)
	}
	return rec, nil
}
