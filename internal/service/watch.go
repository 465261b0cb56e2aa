package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bigkaa/gofonoteka/internal/repository"
)

// Watcher наблюдает за корневыми каталогами mount через fsnotify и
// ставит задачи пересканирования при изменениях. События дебаунсятся
// per-mount: шквал изменений при массовой загрузке файлов даёт одну
// задачу сканирования, дедупликация очереди гасит остальное.
type Watcher struct {
	mounts   repository.MountRepository
	indexer  *Indexer
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer // mountID -> таймер дебаунса

	fsw    *fsnotify.Watcher
	roots  map[string]string // путь -> mountID
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWatcher создаёт наблюдатель mount.
func NewWatcher(mounts repository.MountRepository, indexer *Indexer, debounce time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		mounts:   mounts,
		indexer:  indexer,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "watcher")),
		pending:  make(map[string]*time.Timer),
		roots:    make(map[string]string),
	}
}

// Start регистрирует корневые каталоги всех mount и запускает цикл
// обработки событий файловой системы.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ошибка создания fsnotify-наблюдателя: %w", err)
	}
	w.fsw = fsw

	mounts, err := w.mounts.List(ctx, nil)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("ошибка получения списка mount: %w", err)
	}

	for _, m := range mounts {
		if err := fsw.Add(m.Path); err != nil {
			// Недоступный mount не срывает наблюдение за остальными
			w.logger.Warn("Не удалось начать наблюдение за mount",
				slog.String("mount_id", m.ID),
				slog.String("path", m.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.roots[filepath.Clean(m.Path)] = m.ID
		w.logger.Info("Наблюдение за mount начато",
			slog.String("mount_id", m.ID),
			slog.String("path", m.Path),
		)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	return nil
}

// Stop останавливает наблюдение.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()

	w.mu.Lock()
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()
}

// loop — цикл обработки событий файловой системы.
func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			mountID := w.mountFor(ev.Name)
			if mountID == "" {
				continue
			}
			w.schedule(ctx, mountID)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Ошибка fsnotify", slog.String("error", err.Error()))
		}
	}
}

// mountFor возвращает mount, которому принадлежит путь события.
func (w *Watcher) mountFor(path string) string {
	path = filepath.Clean(path)
	for root, mountID := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return mountID
		}
	}
	return ""
}

// schedule взводит (или продлевает) таймер дебаунса для mount.
func (w *Watcher) schedule(ctx context.Context, mountID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[mountID]; ok {
		timer.Reset(w.debounce)
		return
	}

	w.pending[mountID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, mountID)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := w.indexer.EnqueueScan(ctx, mountID, false); err != nil {
			w.logger.Error("Ошибка постановки сканирования по событию файловой системы",
				slog.String("mount_id", mountID),
				slog.String("error", err.Error()),
			)
			return
		}
		w.logger.Info("Сканирование поставлено по событию файловой системы",
			slog.String("mount_id", mountID),
		)
	})
}
