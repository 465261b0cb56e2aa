package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrArbiterFull — очередь арбитра заполнена.
var ErrArbiterFull = errors.New("очередь арбитра заполнена")

// ErrArbiterStopped — арбитр остановлен.
var ErrArbiterStopped = errors.New("арбитр остановлен")

// Clock — источник времени арбитра. Подменяется в тестах.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// systemClock — системные часы.
type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock возвращает системные часы.
func SystemClock() Clock { return systemClock{} }

// Состояния арбитра. Переходы:
// idle -> processing (взята задача), processing -> cooldown (задача
// завершена), cooldown -> idle (пауза истекла). Других переходов нет.
type arbiterState string

const (
	stateIdle       arbiterState = "idle"
	stateProcessing arbiterState = "processing"
	stateCooldown   arbiterState = "cooldown"
)

// arbiterTask — задача в очереди арбитра.
type arbiterTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Arbiter сериализует конкурирующие операции внутри процесса: задачи
// выполняются строго по одной, между задачами выдерживается пауза
// остывания. Единственная горутина-актор владеет состоянием; снаружи
// состояние не читается и не пишется.
type Arbiter struct {
	tasks    chan *arbiterTask
	cooldown time.Duration
	clock    Clock
	logger   *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	finished chan struct{}
}

// NewArbiter создаёт арбитр с очередью ёмкостью capacity и паузой
// остывания cooldown между задачами.
func NewArbiter(capacity int, cooldown time.Duration, clock Clock, logger *slog.Logger) *Arbiter {
	if capacity < 1 {
		capacity = 1
	}
	if clock == nil {
		clock = SystemClock()
	}

	a := &Arbiter{
		tasks:    make(chan *arbiterTask, capacity),
		cooldown: cooldown,
		clock:    clock,
		logger:   logger.With(slog.String("component", "arbiter")),
		stopped:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	go a.loop()
	return a
}

// Do ставит задачу в очередь арбитра и блокируется до её завершения.
// Если очередь заполнена, немедленно возвращает ErrArbiterFull.
// Отмена ctx до начала выполнения снимает задачу с очереди; отмена во
// время выполнения передаётся задаче через её контекст.
func (a *Arbiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	task := &arbiterTask{
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case <-a.stopped:
		return ErrArbiterStopped
	default:
	}

	select {
	case a.tasks <- task:
	default:
		return ErrArbiterFull
	}

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		// Задача могла уже начаться; актор сам заметит отмену контекста.
		// Здесь снимается только ожидание вызывающего.
		return ctx.Err()
	}
}

// Stop останавливает арбитр. Текущая задача дорабатывает, ожидающие
// получают ErrArbiterStopped.
func (a *Arbiter) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
	<-a.finished
}

// loop — горутина-актор. Вся смена состояний происходит здесь.
func (a *Arbiter) loop() {
	defer close(a.finished)

	state := stateIdle
	for {
		switch state {
		case stateIdle:
			// Остановка имеет приоритет над взятием новой задачи
			select {
			case <-a.stopped:
				a.drain()
				return
			default:
			}
			select {
			case <-a.stopped:
				a.drain()
				return
			case task := <-a.tasks:
				state = stateProcessing
				a.execute(task)
				state = stateCooldown
			}

		case stateCooldown:
			if a.cooldown > 0 {
				select {
				case <-a.stopped:
					a.drain()
					return
				case <-a.clock.After(a.cooldown):
				}
			}
			state = stateIdle

		default:
			// processing не является точкой ожидания: execute синхронен
			panic(fmt.Sprintf("недостижимое состояние арбитра: %s", state))
		}
	}
}

// execute выполняет одну задачу, если её контекст ещё жив.
func (a *Arbiter) execute(task *arbiterTask) {
	if err := task.ctx.Err(); err != nil {
		task.done <- err
		return
	}

	start := a.clock.Now()
	err := task.fn(task.ctx)
	if err != nil {
		a.logger.Debug("Задача арбитра завершилась ошибкой",
			slog.String("error", err.Error()),
			slog.String("duration", a.clock.Now().Sub(start).String()),
		)
	}
	task.done <- err
}

// drain отвечает отказом всем ожидающим задачам при остановке.
func (a *Arbiter) drain() {
	for {
		select {
		case task := <-a.tasks:
			task.done <- ErrArbiterStopped
		default:
			return
		}
	}
}
