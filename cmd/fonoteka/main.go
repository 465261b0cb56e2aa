// Точка входа Fonoteka — сервис каталога аудиофайлов.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// создаёт сервис распределённых блокировок, очередь задач с воркерами,
// сервисный слой и API handlers, запускает наблюдение за mount
// и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/gofonoteka/internal/api/handlers"
	"github.com/bigkaa/gofonoteka/internal/config"
	"github.com/bigkaa/gofonoteka/internal/database"
	"github.com/bigkaa/gofonoteka/internal/domain/model"
	"github.com/bigkaa/gofonoteka/internal/lock"
	"github.com/bigkaa/gofonoteka/internal/queue"
	"github.com/bigkaa/gofonoteka/internal/repository"
	"github.com/bigkaa/gofonoteka/internal/scanner"
	"github.com/bigkaa/gofonoteka/internal/server"
	"github.com/bigkaa/gofonoteka/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Fonoteka запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if len(cfg.LockDirs) == 1 {
		logger.Warn("Задан один координационный узел блокировок: кворум вырождается в единственный узел",
			slog.String("dir", cfg.LockDirs[0]),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5. Сервис распределённых блокировок
	nodes := make([]lock.Node, 0, len(cfg.LockDirs))
	for _, dir := range cfg.LockDirs {
		node, err := lock.NewFileNode(dir)
		if err != nil {
			logger.Error("Ошибка создания координационного узла",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		nodes = append(nodes, node)
	}
	locks, err := lock.NewService(nodes, cfg.LockTTL, cfg.LockRetryMax, cfg.LockRetryDelay, logger)
	if err != nil {
		logger.Error("Ошибка создания сервиса блокировок", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Сервис блокировок создан",
		slog.Int("nodes", len(nodes)),
		slog.String("ttl", cfg.LockTTL.String()),
	)

	// 6. Repositories: общий пул — пути API, фабрика — обработчики
	// очереди на изолированных подключениях воркеров
	batchOpts := repository.BatchOptions{
		ChunkSize:  cfg.BatchChunkSize,
		ChunkDelay: cfg.BatchChunkDelay,
	}
	newRepos := func(db *pgxpool.Pool) service.Repositories {
		return service.Repositories{
			Mounts:  repository.NewMountRepository(db),
			Records: repository.NewIndexRecordRepository(db, repository.NewTxRunner(db), batchOpts),
		}
	}
	apiRepos := newRepos(pool)
	mountRepo := apiRepos.Mounts
	recordRepo := apiRepos.Records
	reportRepo := repository.NewReportRepository(pool)
	entityRepo := repository.NewEntityRepository(pool)

	// 7. Очередь задач: воркеры с изолированными подключениями к БД
	orchestrator := queue.New(pool, database.NewConnFactory(cfg, logger), queue.Config{
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StallThreshold:    cfg.StallThreshold,
	}, logger)

	// 8. Арбитражная очередь фиксации результатов обработки
	arbiter := queue.NewArbiter(cfg.WorkerConcurrency*4, cfg.Cooldown, queue.SystemClock(), logger)
	defer arbiter.Stop()

	// 9. Services
	events := service.NewBroadcaster(64, logger)
	entitySvc := service.NewEntityService(entityRepo, locks, logger)
	enricher := service.NewEnricher(cfg.EnrichURL, cfg.EnrichRPS, logger)
	if enricher.Enabled() {
		logger.Info("Обогащение метаданных включено",
			slog.String("url", cfg.EnrichURL),
			slog.Float64("rps", cfg.EnrichRPS),
		)
	}

	indexer := service.NewIndexer(service.IndexerDeps{
		Repos:          apiRepos,
		RepoFactory:    newRepos,
		Scanner:        scanner.New(logger),
		Locks:          locks,
		Queue:          orchestrator,
		Arbiter:        arbiter,
		Entities:       entitySvc,
		Enricher:       enricher,
		Events:         events,
		ScanExtensions: cfg.ScanExtensions,
		ScanIgnore:     cfg.ScanIgnore,
	}, logger)

	// 10. Регистрация обработчиков задач и запуск воркеров
	orchestrator.RegisterHandler(model.JobScan, indexer.HandleScanJob)
	orchestrator.RegisterHandler(model.JobProcess, indexer.HandleProcessJob)
	if err := orchestrator.Start(ctx); err != nil {
		logger.Error("Ошибка запуска очереди задач", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer orchestrator.Stop()

	// 11. Наблюдение за mount (опционально)
	if cfg.WatchEnabled {
		watcher := service.NewWatcher(mountRepo, indexer, cfg.WatchDebounce, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Ошибка запуска наблюдения за mount", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer watcher.Stop()
	}

	// 12. API handlers
	h := server.Handlers{
		Health:  handlers.NewHealthHandler(database.NewReadinessChecker(pool), locks),
		Mounts:  handlers.NewMountHandler(mountRepo, indexer, logger),
		Records: handlers.NewRecordHandler(recordRepo, reportRepo, indexer, logger),
		Events:  handlers.NewEventsHandler(events, logger),
	}

	// 13. HTTP-сервер с graceful shutdown
	srv := server.New(cfg, logger, h)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Fonoteka остановлена")
}
