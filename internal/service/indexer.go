package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gofonoteka/internal/domain/lifecycle"
	"github.com/bigkaa/gofonoteka/internal/domain/model"
	"github.com/bigkaa/gofonoteka/internal/lock"
	"github.com/bigkaa/gofonoteka/internal/queue"
	"github.com/bigkaa/gofonoteka/internal/repository"
	"github.com/bigkaa/gofonoteka/internal/scanner"
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fonoteka_scans_total",
		Help: "Количество сканирований mount",
	}, []string{"outcome"}) // outcome: ok, error

	recordsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fonoteka_records_processed_total",
		Help: "Количество обработанных записей каталога",
	}, []string{"status"})
)

// Repositories — репозитории конвейера индексации на одном подключении.
type Repositories struct {
	Mounts  repository.MountRepository
	Records repository.IndexRecordRepository
}

// RepoFactory создаёт репозитории на заданном подключении. Обработчики
// очереди работают через репозитории, привязанные к изолированному
// подключению воркера, — пакетная работа не конкурирует с пулом,
// обслуживающим HTTP-запросы.
type RepoFactory func(db *pgxpool.Pool) Repositories

// Indexer — оркестрация индексации: сканирование mount и обработка
// отдельных записей каталога. Методы Handle* регистрируются как
// обработчики очереди задач.
type Indexer struct {
	repos       Repositories
	repoFactory RepoFactory
	scanner     *scanner.Scanner
	locks       *lock.Service
	queue       *queue.Orchestrator
	arbiter     *queue.Arbiter
	entities    *EntityService
	enricher    *Enricher
	events      *Broadcaster
	logger      *slog.Logger

	scanExtensions []string
	scanIgnore     []string
}

// IndexerDeps — зависимости Indexer. Repos обслуживает пути API
// (Reindex, Ignore, постановка задач); RepoFactory — обработчики очереди.
type IndexerDeps struct {
	Repos       Repositories
	RepoFactory RepoFactory
	Scanner     *scanner.Scanner
	Locks       *lock.Service
	Queue       *queue.Orchestrator
	Arbiter     *queue.Arbiter
	Entities    *EntityService
	Enricher    *Enricher
	Events      *Broadcaster

	ScanExtensions []string
	ScanIgnore     []string
}

// NewIndexer создаёт сервис индексации.
func NewIndexer(deps IndexerDeps, logger *slog.Logger) *Indexer {
	return &Indexer{
		repos:          deps.Repos,
		repoFactory:    deps.RepoFactory,
		scanner:        deps.Scanner,
		locks:          deps.Locks,
		queue:          deps.Queue,
		arbiter:        deps.Arbiter,
		entities:       deps.Entities,
		enricher:       deps.Enricher,
		events:         deps.Events,
		logger:         logger.With(slog.String("component", "indexer")),
		scanExtensions: deps.ScanExtensions,
		scanIgnore:     deps.ScanIgnore,
	}
}

// workerRepos возвращает репозитории на подключении воркера.
// Без фабрики или подключения используются репозитории общего пула.
func (ix *Indexer) workerRepos(jc queue.JobContext) Repositories {
	if ix.repoFactory != nil && jc.DB != nil {
		return ix.repoFactory(jc.DB)
	}
	return ix.repos
}

// EnqueueScan ставит задачу сканирования mount. Возвращает false, если
// сканирование этого mount уже в полёте.
func (ix *Indexer) EnqueueScan(ctx context.Context, mountID string, force bool) (bool, error) {
	if _, err := ix.repos.Mounts.GetByID(ctx, mountID); err != nil {
		return false, err
	}
	return ix.queue.Enqueue(ctx, model.ScanJobID(mountID), model.JobScan, model.ScanPayload{
		MountID: mountID,
		Force:   force,
	})
}

// scanLockName возвращает имя блокировки сканирования mount.
func scanLockName(mountID string) string {
	return "scan:" + mountID
}

// HandleScanJob — обработчик задач сканирования. Сканирование mount
// выполняется под распределённой блокировкой: два процесса не обходят
// один mount одновременно, даже если очереди рассинхронизировались.
func (ix *Indexer) HandleScanJob(ctx context.Context, job *model.Job, jc queue.JobContext) error {
	var payload model.ScanPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("ошибка разбора payload задачи сканирования: %w", err)
	}

	repos := ix.workerRepos(jc)
	mount, err := repos.Mounts.GetByID(ctx, payload.MountID)
	if err != nil {
		return fmt.Errorf("mount %s: %w", payload.MountID, err)
	}

	return ix.locks.WithLock(ctx, scanLockName(mount.ID), func(ctx context.Context) error {
		if err := ix.runScan(ctx, repos, mount, payload.Force, jc.Heartbeat); err != nil {
			scansTotal.WithLabelValues("error").Inc()
			if stErr := repos.Mounts.UpdateStatus(context.WithoutCancel(ctx), mount.ID, model.MountStatusError); stErr != nil {
				ix.logger.Error("Ошибка установки статуса mount",
					slog.String("mount_id", mount.ID),
					slog.String("error", stErr.Error()),
				)
			}
			return err
		}
		scansTotal.WithLabelValues("ok").Inc()
		return nil
	}, lock.Options{})
}

// runScan — один проход сканирования mount под блокировкой.
func (ix *Indexer) runScan(ctx context.Context, repos Repositories, mount *model.Mount, force bool, heartbeat func()) error {
	logger := ix.logger.With(slog.String("mount_id", mount.ID), slog.String("mount", mount.Name))
	logger.Info("Сканирование mount начато", slog.Bool("force", force))

	if err := repos.Mounts.UpdateStatus(ctx, mount.ID, model.MountStatusIndexing); err != nil {
		return fmt.Errorf("ошибка установки статуса indexing: %w", err)
	}

	known, err := repos.Records.KnownPaths(ctx, mount.ID)
	if err != nil {
		return err
	}

	scanResult, err := ix.scanner.Scan(ctx, mount.Path, scanner.Options{
		Extensions:        ix.scanExtensions,
		Ignore:            ix.scanIgnore,
		Known:             known,
		Force:             force,
		Heartbeat:         heartbeat,
		HeartbeatInterval: ix.queue.HeartbeatInterval(),
	})
	if err != nil {
		return err
	}

	// Пакетный find-or-create идёт чанками с паузами и может занимать
	// минуты; heartbeat поддерживается фоновым тикером
	stopBeat := keepAlive(ctx, heartbeat, ix.queue.HeartbeatInterval())
	batch, err := repos.Records.FindOrCreateBatch(ctx, mount, scanResult.Candidates)
	stopBeat()
	if err != nil {
		return err
	}

	// Обработку получают записи, ещё не прошедшие конвейер: новые
	// и застрявшие в preparing с прошлых сканирований. Дедупликация
	// очереди делает повторную постановку безвредной.
	enqueued := 0
	for _, rec := range batch.Records {
		if rec.Status != model.StatusPreparing {
			continue
		}
		ix.events.Publish(RecordEvent{Type: EventCreated, Record: rec.View()})
		ok, err := ix.queue.Enqueue(ctx, model.ProcessJobID(rec.ID), model.JobProcess, model.ProcessPayload{IndexID: rec.ID})
		if err != nil {
			return fmt.Errorf("ошибка постановки обработки записи %s: %w", rec.ID, err)
		}
		if ok {
			enqueued++
		}
	}

	if err := repos.Mounts.UpdateStatus(ctx, mount.ID, model.MountStatusOK); err != nil {
		return fmt.Errorf("ошибка установки статуса ok: %w", err)
	}

	logger.Info("Сканирование mount завершено",
		slog.Int("total_seen", scanResult.TotalSeen),
		slog.Int("candidates", len(scanResult.Candidates)),
		slog.Int("created", batch.Created),
		slog.Int("existing", batch.Existing),
		slog.Int("chunks", batch.Chunks),
		slog.Int("enqueued", enqueued),
	)
	return nil
}

// HandleProcessJob — обработчик задач обработки одной записи:
// контрольная сумма, проверка дубликатов, обогащение метаданных,
// итоговый статус.
func (ix *Indexer) HandleProcessJob(ctx context.Context, job *model.Job, jc queue.JobContext) error {
	var payload model.ProcessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("ошибка разбора payload задачи обработки: %w", err)
	}

	repos := ix.workerRepos(jc)
	rec, err := repos.Records.GetByID(ctx, payload.IndexID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Запись удалена между постановкой и исполнением
			ix.logger.Warn("Запись для обработки не найдена", slog.String("index_id", payload.IndexID))
			return nil
		}
		return err
	}

	if rec.Status != model.StatusPreparing {
		// Повторная доставка после сбоя: запись уже прошла конвейер
		ix.logger.Debug("Запись не в preparing, обработка пропущена",
			slog.String("index_id", rec.ID),
			slog.String("status", string(rec.Status)),
		)
		return nil
	}

	// Трекер переходов внутри воркера: конвейер проверяет свой следующий
	// шаг локально, до обращения к БД, и накапливает историю для лога
	tracker, err := lifecycle.NewMachine(rec.Status)
	if err != nil {
		return err
	}

	if err := tracker.TransitionTo(model.StatusProcessing, false); err != nil {
		return err
	}
	rec, err = repos.Records.UpdateStatus(ctx, rec.ID, model.StatusProcessing, nil)
	if err != nil {
		return err
	}
	ix.events.Publish(RecordEvent{Type: EventStatusChanged, Record: rec.View()})

	mount, err := repos.Mounts.GetByID(ctx, rec.MountID)
	if err != nil {
		return err
	}

	stopBeat := keepAlive(ctx, jc.Heartbeat, ix.queue.HeartbeatInterval())
	status, entry, checksum := ix.processFile(ctx, repos, mount, rec)
	stopBeat()

	// Итоговая фиксация сериализуется арбитражной очередью: смены статуса
	// конкурирующих воркеров не перемешиваются. Отмена контекста до
	// фиксации оставляет запись без итогового статуса; stall detector
	// сообщит о ней оператору как о зависшей
	return ix.arbiter.Do(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := tracker.TransitionTo(status, false); err != nil {
			return err
		}

		if checksum != "" {
			if err := repos.Records.SetChecksum(ctx, rec.ID, checksum); err != nil {
				return err
			}
		}

		updated, err := repos.Records.UpdateStatus(ctx, rec.ID, status, entry)
		if err != nil {
			return err
		}
		recordsProcessedTotal.WithLabelValues(string(status)).Inc()
		ix.events.Publish(RecordEvent{Type: EventStatusChanged, Record: updated.View()})

		ix.logger.Info("Обработка записи завершена",
			slog.String("index_id", rec.ID),
			slog.String("status", string(status)),
			slog.Int("transitions", len(tracker.History())),
		)
		return nil
	})
}

// Reindex возвращает запись в preparing и ставит задачу обработки.
// Запись в статусе ignore переиндексации не подлежит.
func (ix *Indexer) Reindex(ctx context.Context, indexID string) (*model.IndexRecord, error) {
	rec, err := ix.repos.Records.Reindex(ctx, indexID)
	if err != nil {
		return nil, err
	}
	ix.events.Publish(RecordEvent{Type: EventReindexed, Record: rec.View()})

	if _, err := ix.queue.Enqueue(ctx, model.ProcessJobID(rec.ID), model.JobProcess, model.ProcessPayload{IndexID: rec.ID}); err != nil {
		return nil, fmt.Errorf("ошибка постановки обработки после reindex: %w", err)
	}
	return rec, nil
}

// Ignore административно исключает запись из каталога.
func (ix *Indexer) Ignore(ctx context.Context, indexID string) (*model.IndexRecord, error) {
	rec, err := ix.repos.Records.Ignore(ctx, indexID)
	if err != nil {
		return nil, err
	}
	ix.events.Publish(RecordEvent{Type: EventIgnored, Record: rec.View()})
	return rec, nil
}

// processFile выполняет содержательную часть обработки и возвращает
// итоговый статус, запись отчёта (для статусов ошибок) и контрольную
// сумму (пустая строка, если вычислить не удалось).
func (ix *Indexer) processFile(ctx context.Context, repos Repositories, mount *model.Mount, rec *model.IndexRecord) (model.IndexStatus, *model.ReportEntry, string) {
	fullPath := filepath.Join(mount.Path, filepath.FromSlash(rec.Directory), rec.Filename)

	checksum, err := fileChecksum(fullPath)
	if err != nil {
		// Файл исчез или нечитаем: ошибка файловой системы, не конвейера
		return model.StatusErroredPath, &model.ReportEntry{
			Timestamp: time.Now().UTC(),
			Level:     model.LevelError,
			Message:   fmt.Sprintf("файл недоступен: %v", err),
		}, ""
	}

	dup, err := repos.Records.FindDuplicateByChecksum(ctx, checksum, rec.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return model.StatusErrored, &model.ReportEntry{
			Timestamp: time.Now().UTC(),
			Level:     model.LevelError,
			Message:   fmt.Sprintf("ошибка проверки дубликатов: %v", err),
		}, checksum
	}
	if dup != nil {
		ix.logger.Info("Обнаружен дубликат",
			slog.String("index_id", rec.ID),
			slog.String("duplicate_of", dup.ID),
		)
		return model.StatusDuplicate, nil, checksum
	}

	if err := ix.enrich(ctx, rec); err != nil {
		// Недоступность обогащения не срывает индексацию
		ix.logger.Warn("Обогащение метаданных не удалось, запись остаётся без обогащения",
			slog.String("index_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	return model.StatusOK, nil, checksum
}

// enrich запрашивает метаданные и создаёт справочные сущности.
func (ix *Indexer) enrich(ctx context.Context, rec *model.IndexRecord) error {
	meta, err := ix.enricher.Lookup(ctx, rec.Filename)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}

	fields := []struct {
		kind model.EntityKind
		name string
	}{
		{model.KindArtist, meta.Artist},
		{model.KindLabel, meta.Label},
		{model.KindGenre, meta.Genre},
		{model.KindPublisher, meta.Publisher},
		{model.KindDistributor, meta.Distributor},
		{model.KindArtwork, meta.Artwork},
	}
	for _, f := range fields {
		if f.name == "" {
			continue
		}
		if _, err := ix.entities.Ensure(ctx, f.kind, f.name); err != nil {
			return fmt.Errorf("ошибка создания сущности %s %q: %w", f.kind, f.name, err)
		}
	}
	return nil
}

// fileChecksum возвращает SHA-256 файла в hex.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// keepAlive поддерживает heartbeat фоновым тикером, пока не вызвана
// возвращённая функция остановки.
func keepAlive(ctx context.Context, heartbeat func(), interval time.Duration) func() {
	if heartbeat == nil || interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				heartbeat()
			}
		}
	}()
	return func() { close(done) }
}
