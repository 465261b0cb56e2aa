package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gofonoteka/internal/domain/model"
)

// MountRepository — интерфейс CRUD для таблицы mounts.
type MountRepository interface {
	// Create создаёт новую точку монтирования.
	Create(ctx context.Context, m *model.Mount) error
	// GetByID возвращает mount по UUID.
	GetByID(ctx context.Context, mountID string) (*model.Mount, error)
	// List возвращает все mounts (опционально — только указанного bucket).
	List(ctx context.Context, bucketID *string) ([]*model.Mount, error)
	// UpdateStatus обновляет операционный статус mount.
	UpdateStatus(ctx context.Context, mountID string, status model.MountStatus) error
}

// mountRepo — реализация MountRepository.
type mountRepo struct {
	db DBTX
}

// NewMountRepository создаёт репозиторий точек монтирования.
func NewMountRepository(db DBTX) MountRepository {
	return &mountRepo{db: db}
}

func (r *mountRepo) Create(ctx context.Context, m *model.Mount) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = model.MountStatusOK
	}

	query := `
		INSERT INTO mounts (mount_id, name, path, status, bucket_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		m.ID, m.Name, m.Path, m.Status, m.BucketID,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: mount с таким ID уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания mount: %w", err)
	}
	return nil
}

func (r *mountRepo) GetByID(ctx context.Context, mountID string) (*model.Mount, error) {
	query := `
		SELECT mount_id, name, path, status, bucket_id, created_at, updated_at
		FROM mounts
		WHERE mount_id = $1`

	m := &model.Mount{}
	err := r.db.QueryRow(ctx, query, mountID).Scan(
		&m.ID, &m.Name, &m.Path, &m.Status, &m.BucketID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения mount: %w", err)
	}
	return m, nil
}

func (r *mountRepo) List(ctx context.Context, bucketID *string) ([]*model.Mount, error) {
	query := `
		SELECT mount_id, name, path, status, bucket_id, created_at, updated_at
		FROM mounts`
	var args []any
	if bucketID != nil {
		query += ` WHERE bucket_id = $1`
		args = append(args, *bucketID)
	}
	query += ` ORDER BY name`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка mounts: %w", err)
	}
	defer rows.Close()

	var result []*model.Mount
	for rows.Next() {
		m := &model.Mount{}
		if err := rows.Scan(
			&m.ID, &m.Name, &m.Path, &m.Status, &m.BucketID, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования mount: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (r *mountRepo) UpdateStatus(ctx context.Context, mountID string, status model.MountStatus) error {
	query := `
		UPDATE mounts
		SET status = $2, updated_at = $3
		WHERE mount_id = $1`

	tag, err := r.db.Exec(ctx, query, mountID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса mount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
