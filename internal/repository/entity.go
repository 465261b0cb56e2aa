package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gofonoteka/internal/domain/model"
)

// EntityRepository — интерфейс общих справочных сущностей
// (artist, label, genre, publisher, distributor, artwork).
//
// FindOrCreate сам по себе устойчив к гонке через ON CONFLICT, но
// сериализация создания выполняется уровнем выше: EntityService
// оборачивает вызов в распределённую блокировку по имени сущности.
type EntityRepository interface {
	// FindByName возвращает сущность по виду и имени.
	FindByName(ctx context.Context, kind model.EntityKind, name string) (*model.Entity, error)
	// FindOrCreate возвращает существующую сущность или создаёт новую.
	// existed=true, если строка уже существовала.
	FindOrCreate(ctx context.Context, kind model.EntityKind, name string) (entity *model.Entity, existed bool, err error)
	// GetByID возвращает сущность по UUID.
	GetByID(ctx context.Context, entityID string) (*model.Entity, error)
}

// entityRepo — реализация EntityRepository.
type entityRepo struct {
	db DBTX
}

// NewEntityRepository создаёт репозиторий справочных сущностей.
func NewEntityRepository(db DBTX) EntityRepository {
	return &entityRepo{db: db}
}

func (r *entityRepo) FindByName(ctx context.Context, kind model.EntityKind, name string) (*model.Entity, error) {
	query := `
		SELECT entity_id, kind, name, created_at
		FROM entities
		WHERE kind = $1 AND name = $2`

	e := &model.Entity{}
	err := r.db.QueryRow(ctx, query, kind, name).Scan(&e.ID, &e.Kind, &e.Name, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска сущности: %w", err)
	}
	return e, nil
}

func (r *entityRepo) FindOrCreate(ctx context.Context, kind model.EntityKind, name string) (*model.Entity, bool, error) {
	// Быстрый путь: сущность уже существует
	if e, err := r.FindByName(ctx, kind, name); err == nil {
		return e, true, nil
	} else if err != ErrNotFound {
		return nil, false, err
	}

	e := &model.Entity{
		ID:   uuid.New().String(),
		Kind: kind,
		Name: name,
	}

	query := `
		INSERT INTO entities (entity_id, kind, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, name) DO NOTHING
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query, e.ID, e.Kind, e.Name).Scan(&e.CreatedAt)
	if err == nil {
		return e, false, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("ошибка создания сущности: %w", err)
	}

	// Проигранная гонка: кто-то создал сущность между поиском и вставкой.
	// Перечитываем выигравшую строку.
	winner, ferr := r.FindByName(ctx, kind, name)
	if ferr != nil {
		return nil, false, fmt.Errorf("перечитывание сущности после конфликта: %w", ferr)
	}
	return winner, true, nil
}

func (r *entityRepo) GetByID(ctx context.Context, entityID string) (*model.Entity, error) {
	query := `
		SELECT entity_id, kind, name, created_at
		FROM entities
		WHERE entity_id = $1`

	e := &model.Entity{}
	err := r.db.QueryRow(ctx, query, entityID).Scan(&e.ID, &e.Kind, &e.Name, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сущности: %w", err)
	}
	return e, nil
}
