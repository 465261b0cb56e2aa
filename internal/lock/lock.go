// Пакет lock — распределённая взаимная блокировка по имени для
// независимых процессов-воркеров.
//
// Захват выполняется по кворумному алгоритму: блокировка считается
// полученной, когда её подтвердило большинство координационных узлов,
// поэтому отказ меньшинства узлов не нарушает взаимное исключение.
// Пока блокировка удерживается, фоновый keeper продлевает её, когда
// остаток TTL падает ниже порога; если продление теряет кворум,
// контекст критической секции отменяется — секция обязана проверить
// отмену до финального коммита, а не только на входе (сервис
// блокировок advisory: потеря блокировки не откатывает уже сделанные
// записи в БД).
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrLockUnavailable — блокировку не удалось захватить.
// Вызывающий решает сам: пропустить операцию, поставить в очередь
// или повторить с WaitForLock.
var ErrLockUnavailable = errors.New("блокировка недоступна")

// Prometheus-метрики сервиса блокировок.
var (
	lockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fonoteka_lock_acquisitions_total",
		Help: "Количество попыток захвата распределённой блокировки",
	}, []string{"outcome"}) // outcome: acquired, unavailable

	lockExtendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fonoteka_lock_extend_failures_total",
		Help: "Количество потерь кворума при продлении блокировки",
	})
)

// Options — параметры одного захвата блокировки.
type Options struct {
	// WaitForLock — повторять захват до успеха (в пределах retry-бюджета).
	// false: первая неудача сразу возвращает ErrLockUnavailable.
	WaitForLock bool
	// TTL — время жизни блокировки. 0 — значение сервиса по умолчанию.
	TTL time.Duration
}

// Service — кворумный сервис распределённых блокировок.
type Service struct {
	nodes       []Node
	quorum      int
	defaultTTL  time.Duration
	retryMax    int
	retryDelay  time.Duration
	fingerprint string
	logger      *slog.Logger
	now         func() time.Time
}

// NewService создаёт сервис блокировок поверх координационных узлов.
// Число узлов должно быть нечётным: кворум — большинство.
func NewService(nodes []Node, defaultTTL time.Duration, retryMax int, retryDelay time.Duration, logger *slog.Logger) (*Service, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("требуется хотя бы один координационный узел")
	}
	if len(nodes)%2 == 0 {
		return nil, fmt.Errorf("требуется нечётное число координационных узлов, задано %d", len(nodes))
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return &Service{
		nodes:       nodes,
		quorum:      len(nodes)/2 + 1,
		defaultTTL:  defaultTTL,
		retryMax:    retryMax,
		retryDelay:  retryDelay,
		fingerprint: fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		logger:      logger.With(slog.String("component", "lock")),
		now:         time.Now,
	}, nil
}

// WithLock захватывает именованную блокировку, выполняет fn и освобождает
// блокировку. Контекст, передаваемый в fn, отменяется при потере кворума
// продления — fn обязана проверять его в безопасных точках и не
// фиксировать создание общей сущности после отмены.
func (s *Service) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error, opts Options) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	token := uuid.New().String()

	if err := s.acquire(ctx, name, token, ttl, opts.WaitForLock); err != nil {
		lockAcquisitionsTotal.WithLabelValues("unavailable").Inc()
		return err
	}
	lockAcquisitionsTotal.WithLabelValues("acquired").Inc()

	s.logger.Debug("Блокировка захвачена",
		slog.String("name", name),
		slog.String("token", token),
	)

	// Контекст критической секции: отменяется при потере кворума продления
	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keeperDone := make(chan struct{})
	go s.keep(fnCtx, cancel, keeperDone, name, token, ttl)

	err := fn(fnCtx)

	// Остановка keeper до освобождения: иначе keeper продлит
	// уже освобождённую блокировку
	cancel()
	<-keeperDone

	s.release(name, token)

	s.logger.Debug("Блокировка освобождена",
		slog.String("name", name),
	)

	return err
}

// CheckReady проверяет доступность координационных узлов пробным
// захватом. Имя пробной блокировки уникально для процесса, поэтому
// проверки соседних процессов не конфликтуют.
// Возвращает статус ("ok", "degraded", "fail") и сообщение.
func (s *Service) CheckReady() (status string, message string) {
	name := "health:" + s.fingerprint
	token := uuid.New().String()

	healthy := 0
	for _, node := range s.nodes {
		if err := node.Acquire(name, token, s.fingerprint, time.Second); err == nil {
			healthy++
		}
	}
	s.release(name, token)

	msg := fmt.Sprintf("узлов доступно %d из %d", healthy, len(s.nodes))
	switch {
	case healthy == len(s.nodes):
		return "ok", msg
	case healthy >= s.quorum:
		return "degraded", msg
	default:
		return "fail", msg
	}
}

// acquire захватывает блокировку на кворуме узлов.
func (s *Service) acquire(ctx context.Context, name, token string, ttl time.Duration, wait bool) error {
	attempt := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		acquired := 0
		for _, node := range s.nodes {
			if err := node.Acquire(name, token, s.fingerprint, ttl); err == nil {
				acquired++
			}
		}

		if acquired >= s.quorum {
			return nil
		}

		// Кворум не собран: отдаём захваченное меньшинство,
		// чтобы не мешать текущему держателю
		s.release(name, token)
		return fmt.Errorf("%w: %s (узлов подтвердило %d из %d)", ErrLockUnavailable, name, acquired, s.quorum)
	}

	if !wait {
		return attempt()
	}

	// Повтор с фиксированной задержкой и случайным джиттером,
	// ограниченный числом попыток — защита от thundering herd
	// при одновременном переосвобождении
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.Multiplier = 1.0
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	return backoff.Retry(attempt, backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(s.retryMax)))
}

// keep — фоновый keeper: продлевает блокировку, когда остаток TTL
// падает ниже трети, и отменяет контекст критической секции при
// потере кворума.
func (s *Service) keep(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}, name, token string, ttl time.Duration) {
	defer close(done)

	threshold := ttl / 3
	deadline := s.now().Add(ttl)

	interval := threshold / 2
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.now().Add(threshold).Before(deadline) {
				continue
			}

			extended := 0
			for _, node := range s.nodes {
				if err := node.Extend(name, token, ttl); err == nil {
					extended++
				}
			}

			if extended < s.quorum {
				lockExtendFailuresTotal.Inc()
				s.logger.Warn("Кворум продления блокировки потерян, критическая секция отменена",
					slog.String("name", name),
					slog.Int("extended", extended),
					slog.Int("quorum", s.quorum),
				)
				cancel()
				return
			}

			deadline = s.now().Add(ttl)
		}
	}
}

// release освобождает блокировку на всех узлах (best-effort).
func (s *Service) release(name, token string) {
	for _, node := range s.nodes {
		_ = node.Release(name, token)
	}
}
