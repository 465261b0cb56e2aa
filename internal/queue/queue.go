// Пакет queue — очередь фоновых задач поверх PostgreSQL.
//
// Очередь разделяется всеми процессами-воркерами через БД (единственное
// общее состояние помимо сервиса блокировок). Идентификаторы задач
// детерминированы (scan:{mountID}, process:{indexID}), вставка идёт через
// ON CONFLICT DO NOTHING: повторная постановка логической единицы работы,
// которая уже в полёте, игнорируется.
//
// Каждый воркер устанавливает собственное изолированное подключение к БД
// через database.ConnFactory и передаёт его обработчику через JobContext —
// пакетная работа не делит пул соединений с процессом, обслуживающим
// запросы. Захват задачи — SELECT ... FOR UPDATE SKIP LOCKED.
//
// Длительные задачи обязаны периодически вызывать heartbeat; задачи,
// переставшие сигналить дольше порога, признаются зависшими и снимаются
// с очереди ровно один раз (политика: fail, без автоматического повтора —
// оператор явно запускает reindex). Задача удаляется из очереди и при
// успехе, и при неудаче; исход сообщается подписчикам завершения,
// зарегистрированным при конструировании.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gofonoteka/internal/database"
	"github.com/bigkaa/gofonoteka/internal/domain/model"
	"github.com/bigkaa/gofonoteka/internal/repository"
)

// ErrStalled — задача снята с очереди из-за отсутствия heartbeat.
var ErrStalled = errors.New("задача признана зависшей: heartbeat не поступал дольше порога")

// Prometheus-метрики очереди.
var (
	jobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fonoteka_queue_jobs_enqueued_total",
		Help: "Количество поставленных в очередь задач",
	}, []string{"kind", "outcome"}) // outcome: enqueued, deduplicated

	jobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fonoteka_queue_jobs_completed_total",
		Help: "Количество завершённых задач",
	}, []string{"kind", "outcome"}) // outcome: ok, failed, stalled

	jobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fonoteka_queue_job_duration_seconds",
		Help:    "Длительность выполнения задач очереди",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s … ~204s
	}, []string{"kind"})
)

// JobContext — ресурсы воркера, передаваемые обработчику задачи.
type JobContext struct {
	// DB — изолированное подключение воркера. Пакетная работа
	// обработчика (batch find-or-create, смены статусов) идёт через
	// него и не конкурирует с пулом, обслуживающим HTTP-запросы.
	DB *pgxpool.Pool
	// Heartbeat обязан вызываться в безопасных точках длительных
	// операций (например, каждые 2 секунды во время обхода каталога).
	Heartbeat func()
}

// Handler — обработчик задач одного вида.
type Handler func(ctx context.Context, job *model.Job, jc JobContext) error

// CompletionEvent — событие завершения задачи для подписчиков.
type CompletionEvent struct {
	JobID    string
	Kind     model.JobKind
	Payload  []byte
	Err      error // nil при успехе; ErrStalled для зависших задач
	Duration time.Duration
}

// CompletionFunc — подписчик завершения задач.
// Регистрируется при конструировании, не через глобальную шину событий.
type CompletionFunc func(ev CompletionEvent)

// Config — параметры оркестратора очереди.
type Config struct {
	// Concurrency — количество воркеров
	Concurrency int
	// PollInterval — интервал опроса очереди воркером
	PollInterval time.Duration
	// HeartbeatInterval — рекомендуемый интервал heartbeat для обработчиков
	HeartbeatInterval time.Duration
	// StallThreshold — порог признания задачи зависшей
	StallThreshold time.Duration
}

// Orchestrator — оркестратор очереди задач.
type Orchestrator struct {
	db          repository.DBTX
	connFactory database.ConnFactory
	cfg         Config
	logger      *slog.Logger

	handlers   map[model.JobKind]Handler
	onComplete []CompletionFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт оркестратор очереди.
// db — общий пул (постановка задач, stall detection);
// connFactory — фабрика изолированных подключений воркеров.
func New(db repository.DBTX, connFactory database.ConnFactory, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &Orchestrator{
		db:          db,
		connFactory: connFactory,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "queue")),
		handlers:    make(map[model.JobKind]Handler),
	}
}

// RegisterHandler регистрирует обработчик задач вида kind.
// Вызывается до Start.
func (o *Orchestrator) RegisterHandler(kind model.JobKind, h Handler) {
	o.handlers[kind] = h
}

// OnCompletion регистрирует подписчика завершения задач.
// Вызывается до Start.
func (o *Orchestrator) OnCompletion(fn CompletionFunc) {
	o.onComplete = append(o.onComplete, fn)
}

// HeartbeatInterval возвращает рекомендуемый интервал heartbeat.
func (o *Orchestrator) HeartbeatInterval() time.Duration {
	return o.cfg.HeartbeatInterval
}

// Enqueue ставит задачу в очередь. Возвращает false, если задача с тем же
// идентификатором уже в полёте (дедупликация).
func (o *Orchestrator) Enqueue(ctx context.Context, jobID string, kind model.JobKind, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("ошибка сериализации payload задачи: %w", err)
	}

	query := `
		INSERT INTO queue_jobs (job_id, kind, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING`

	tag, err := o.db.Exec(ctx, query, jobID, kind, data)
	if err != nil {
		return false, fmt.Errorf("ошибка постановки задачи %s: %w", jobID, err)
	}

	enqueued := tag.RowsAffected() > 0
	if enqueued {
		jobsEnqueuedTotal.WithLabelValues(string(kind), "enqueued").Inc()
		o.logger.Debug("Задача поставлена в очередь", slog.String("job_id", jobID))
	} else {
		jobsEnqueuedTotal.WithLabelValues(string(kind), "deduplicated").Inc()
		o.logger.Debug("Задача уже в полёте, постановка дедуплицирована", slog.String("job_id", jobID))
	}
	return enqueued, nil
}

// Start запускает воркеры и stall detector.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	for i := 0; i < o.cfg.Concurrency; i++ {
		// Каждый воркер владеет собственным подключением
		pool, err := o.connFactory(ctx, i)
		if err != nil {
			o.cancel()
			o.wg.Wait()
			return fmt.Errorf("ошибка подключения воркера %d: %w", i, err)
		}

		o.wg.Add(1)
		go func(workerID int) {
			defer o.wg.Done()
			defer pool.Close()
			o.workerLoop(ctx, pool, workerID)
		}(i)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.stallLoop(ctx)
	}()

	o.logger.Info("Оркестратор очереди запущен",
		slog.Int("concurrency", o.cfg.Concurrency),
		slog.String("poll_interval", o.cfg.PollInterval.String()),
		slog.String("stall_threshold", o.cfg.StallThreshold.String()),
	)
	return nil
}

// Stop останавливает воркеры и ждёт завершения текущих задач.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.logger.Info("Оркестратор очереди остановлен")
}

// workerLoop — цикл одного воркера: опрос очереди, захват, выполнение.
func (o *Orchestrator) workerLoop(ctx context.Context, db *pgxpool.Pool, workerID int) {
	logger := o.logger.With(slog.Int("worker_id", workerID))
	logger.Debug("Воркер запущен")

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Воркер остановлен")
			return
		case <-ticker.C:
			// Выбираем задачи, пока очередь не опустеет
			for {
				job, err := o.claim(ctx, db)
				if err != nil {
					if ctx.Err() == nil {
						logger.Error("Ошибка захвата задачи", slog.String("error", err.Error()))
					}
					break
				}
				if job == nil {
					break
				}
				o.run(ctx, db, job, logger)
			}
		}
	}
}

// claim захватывает одну задачу из очереди (FOR UPDATE SKIP LOCKED).
// Возвращает nil без ошибки, если очередь пуста.
func (o *Orchestrator) claim(ctx context.Context, db repository.DBTX) (*model.Job, error) {
	query := `
		UPDATE queue_jobs
		SET state = 'running', attempts = attempts + 1, heartbeat_at = now()
		WHERE job_id = (
			SELECT job_id FROM queue_jobs
			WHERE state = 'queued'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING job_id, kind, payload, state, attempts, heartbeat_at, created_at`

	job := &model.Job{}
	err := db.QueryRow(ctx, query).Scan(
		&job.ID, &job.Kind, &job.Payload, &job.State,
		&job.Attempts, &job.HeartbeatAt, &job.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// run выполняет захваченную задачу и удаляет её из очереди
// независимо от исхода.
func (o *Orchestrator) run(ctx context.Context, db *pgxpool.Pool, job *model.Job, logger *slog.Logger) {
	handler, ok := o.handlers[job.Kind]
	if !ok {
		o.finish(ctx, db, job, fmt.Errorf("нет обработчика для вида задач %q", job.Kind), 0)
		return
	}

	logger.Info("Задача взята в работу",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempts", job.Attempts),
	)

	heartbeat := func() {
		hq := `UPDATE queue_jobs SET heartbeat_at = now() WHERE job_id = $1 AND state = 'running'`
		if _, err := db.Exec(ctx, hq, job.ID); err != nil && ctx.Err() == nil {
			logger.Warn("Ошибка heartbeat задачи",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	start := time.Now()
	err := handler(ctx, job, JobContext{DB: db, Heartbeat: heartbeat})
	o.finish(ctx, db, job, err, time.Since(start))
}

// finish удаляет задачу из очереди и рассылает событие завершения.
// Если stall detector успел снять задачу раньше (heartbeat пропал на время
// долгой операции), удаление не затронет строк — исход задачи уже
// сообщён как stalled, повторное событие не рассылается.
func (o *Orchestrator) finish(ctx context.Context, db repository.DBTX, job *model.Job, jobErr error, duration time.Duration) {
	tag, err := db.Exec(ctx, `DELETE FROM queue_jobs WHERE job_id = $1 AND state = 'running'`, job.ID)
	if err != nil {
		o.logger.Error("Ошибка удаления задачи из очереди",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if tag.RowsAffected() == 0 {
		return
	}

	outcome := "ok"
	if jobErr != nil {
		outcome = "failed"
		o.logger.Warn("Задача завершилась ошибкой",
			slog.String("job_id", job.ID),
			slog.String("error", jobErr.Error()),
		)
	} else {
		o.logger.Info("Задача выполнена",
			slog.String("job_id", job.ID),
			slog.String("duration", duration.String()),
		)
	}
	jobsCompletedTotal.WithLabelValues(string(job.Kind), outcome).Inc()
	jobDurationSeconds.WithLabelValues(string(job.Kind)).Observe(duration.Seconds())

	o.emit(CompletionEvent{
		JobID:    job.ID,
		Kind:     job.Kind,
		Payload:  job.Payload,
		Err:      jobErr,
		Duration: duration,
	})
}

// stallLoop периодически снимает с очереди зависшие задачи.
// Каждая зависшая задача снимается ровно один раз: DELETE с предикатом
// state+heartbeat атомарен, конкурирующие детекторы не продублируют снятие.
func (o *Orchestrator) stallLoop(ctx context.Context) {
	interval := o.cfg.StallThreshold / 2
	if interval <= 0 {
		interval = o.cfg.PollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reapStalled(ctx)
		}
	}
}

// reapStalled снимает задачи без heartbeat дольше порога.
func (o *Orchestrator) reapStalled(ctx context.Context) {
	query := `
		DELETE FROM queue_jobs
		WHERE state = 'running'
			AND heartbeat_at < now() - $1::interval
		RETURNING job_id, kind, payload`

	rows, err := o.db.Query(ctx, query, o.cfg.StallThreshold.String())
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("Ошибка поиска зависших задач", slog.String("error", err.Error()))
		}
		return
	}
	defer rows.Close()

	for rows.Next() {
		var jobID string
		var kind model.JobKind
		var payload []byte
		if err := rows.Scan(&jobID, &kind, &payload); err != nil {
			o.logger.Error("Ошибка сканирования зависшей задачи", slog.String("error", err.Error()))
			return
		}

		o.logger.Warn("Задача признана зависшей и снята с очереди",
			slog.String("job_id", jobID),
			slog.String("stall_threshold", o.cfg.StallThreshold.String()),
		)
		jobsCompletedTotal.WithLabelValues(string(kind), "stalled").Inc()

		o.emit(CompletionEvent{
			JobID:   jobID,
			Kind:    kind,
			Payload: payload,
			Err:     ErrStalled,
		})
	}
}

// emit рассылает событие завершения подписчикам.
func (o *Orchestrator) emit(ev CompletionEvent) {
	for _, fn := range o.onComplete {
		fn(ev)
	}
}
