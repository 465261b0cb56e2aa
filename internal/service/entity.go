package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/gofonoteka/internal/domain/model"
	"github.com/bigkaa/gofonoteka/internal/lock"
	"github.com/bigkaa/gofonoteka/internal/repository"
)

// EntityService — создание и разрешение общих справочных сущностей
// (исполнители, лейблы, жанры).
//
// Создание по имени сериализуется распределённой блокировкой
// entity:{kind}:{name}: K воркеров, одновременно обнаруживших новое имя,
// получают одну и ту же строку. Ограничение уникальности в БД — вторая
// линия защиты на случай потери блокировки.
type EntityService struct {
	entities repository.EntityRepository
	locks    *lock.Service
	logger   *slog.Logger
}

// NewEntityService создаёт сервис справочных сущностей.
func NewEntityService(entities repository.EntityRepository, locks *lock.Service, logger *slog.Logger) *EntityService {
	return &EntityService{
		entities: entities,
		locks:    locks,
		logger:   logger.With(slog.String("component", "entity")),
	}
}

// entityLockName возвращает имя блокировки создания сущности.
func entityLockName(kind model.EntityKind, name string) string {
	return fmt.Sprintf("entity:%s:%s", kind, name)
}

// Ensure возвращает сущность (kind, name), создавая её при отсутствии.
// Быстрый путь — чтение без блокировки: почти все вызовы находят
// существующую строку. Создание идёт под блокировкой; занятая блокировка
// означает, что сущность прямо сейчас создаёт другой воркер — повторяем
// захват в режиме ожидания и читаем его результат.
func (s *EntityService) Ensure(ctx context.Context, kind model.EntityKind, name string) (*model.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("имя сущности не может быть пустым")
	}

	entity, err := s.entities.FindByName(ctx, kind, name)
	if err == nil {
		return entity, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	err = s.createLocked(ctx, kind, name, lock.Options{})
	if errors.Is(err, lock.ErrLockUnavailable) {
		s.logger.Debug("Сущность создаётся другим воркером, ожидаем",
			slog.String("kind", string(kind)),
			slog.String("name", name),
		)
		err = s.createLocked(ctx, kind, name, lock.Options{WaitForLock: true})
	}
	if err != nil {
		return nil, err
	}

	return s.entities.FindByName(ctx, kind, name)
}

// createLocked выполняет find-or-create под распределённой блокировкой.
func (s *EntityService) createLocked(ctx context.Context, kind model.EntityKind, name string, opts lock.Options) error {
	return s.locks.WithLock(ctx, entityLockName(kind, name), func(ctx context.Context) error {
		entity, existed, err := s.entities.FindOrCreate(ctx, kind, name)
		if err != nil {
			return err
		}
		if !existed {
			s.logger.Info("Создана справочная сущность",
				slog.String("kind", string(kind)),
				slog.String("name", name),
				slog.String("entity_id", entity.ID),
			)
		}
		return nil
	}, opts)
}

// Resolve разрешает ссылку на сущность: вариант с идентификатором
// читается из репозитория, разрешённый вариант возвращается как есть.
func (s *EntityService) Resolve(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	if ref.IsResolved() {
		return ref.Entity(), nil
	}
	if ref.ID() == "" {
		return nil, fmt.Errorf("пустая ссылка на сущность")
	}
	return s.entities.GetByID(ctx, ref.ID())
}
