// Пакет lifecycle — конечный автомат жизненного цикла записи каталога.
//
// Основной путь: preparing → processing → {ok | duplicate | errored | errored_path}.
// Боковой терминальный статус ignore достижим из любого нетерминального
// состояния (административное исключение). Обратный переход в preparing
// допустим только по явному запросу reindex.
//
// Матрицы переходов неизменяемы; Machine потокобезопасна через sync.RWMutex.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/bigkaa/gofonoteka/internal/domain/model"
)

// validTransitions — матрица допустимых переходов без reindex.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
var validTransitions = map[model.IndexStatus]map[model.IndexStatus]bool{
	model.StatusPreparing: {
		model.StatusProcessing: true,
		model.StatusErroredPath: true, // недоступный путь обнаружен до обработки
		model.StatusIgnore:      true,
	},
	model.StatusProcessing: {
		model.StatusOK:          true,
		model.StatusDuplicate:   true,
		model.StatusErrored:     true,
		model.StatusErroredPath: true,
		model.StatusIgnore:      true,
	},
	model.StatusOK:          {},
	model.StatusDuplicate:   {},
	model.StatusErrored:     {},
	model.StatusErroredPath: {},
	model.StatusIgnore:      {},
}

// reindexTransitions — переходы, допустимые только с флагом reindex.
// ignore отсутствует намеренно: исключённая запись не переиндексируется.
var reindexTransitions = map[model.IndexStatus]map[model.IndexStatus]bool{
	model.StatusProcessing:  {model.StatusPreparing: true},
	model.StatusOK:          {model.StatusPreparing: true},
	model.StatusDuplicate:   {model.StatusPreparing: true},
	model.StatusErrored:     {model.StatusPreparing: true},
	model.StatusErroredPath: {model.StatusPreparing: true},
}

// reportRequired — статусы, вход в которые обязан сопровождаться
// записью в отчёт (сообщение об ошибке, при наличии — stack trace).
var reportRequired = map[model.IndexStatus]bool{
	model.StatusErrored:     true,
	model.StatusErroredPath: true,
}

// terminalStatuses — статусы, из которых нет переходов без reindex.
var terminalStatuses = map[model.IndexStatus]bool{
	model.StatusOK:          true,
	model.StatusDuplicate:   true,
	model.StatusErrored:     true,
	model.StatusErroredPath: true,
	model.StatusIgnore:      true,
}

// Машиночитаемые коды ошибок переходов.
const (
	// CodeInvalidTransition — переход недопустим ни при каких условиях.
	CodeInvalidTransition = "INVALID_TRANSITION"
	// CodeReindexRequired — переход допустим только с флагом reindex.
	CodeReindexRequired = "REINDEX_REQUIRED"
)

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValid проверяет, является ли строка допустимым статусом.
func IsValid(s model.IndexStatus) bool {
	switch s {
	case model.StatusPreparing, model.StatusProcessing, model.StatusOK,
		model.StatusDuplicate, model.StatusErrored, model.StatusErroredPath,
		model.StatusIgnore:
		return true
	default:
		return false
	}
}

// IsTerminal возвращает true для статусов, из которых нет переходов
// без явного reindex.
func IsTerminal(s model.IndexStatus) bool {
	return terminalStatuses[s]
}

// RequiresReport возвращает true для статусов, вход в которые обязан
// сопровождаться записью в отчёт.
func RequiresReport(to model.IndexStatus) bool {
	return reportRequired[to]
}

// CanTransition проверяет допустимость перехода from → to.
// reindex разрешает обратные переходы в preparing (кроме ignore).
func CanTransition(from, to model.IndexStatus, reindex bool) bool {
	if transitions, ok := validTransitions[from]; ok && transitions[to] {
		return true
	}
	if !reindex {
		return false
	}
	transitions, ok := reindexTransitions[from]
	return ok && transitions[to]
}

// Validate проверяет переход и возвращает типизированную ошибку,
// если он недопустим.
//
// Ошибки:
//   - INVALID_TRANSITION — переход недопустим ни при каких условиях
//   - REINDEX_REQUIRED — переход допустим только с флагом reindex
func Validate(from, to model.IndexStatus, reindex bool) error {
	if !IsValid(to) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("недопустимый целевой статус: %q", to),
		}
	}

	if CanTransition(from, to, reindex) {
		return nil
	}

	// Переход был бы допустим с reindex — подсказываем это кодом ошибки
	if !reindex && CanTransition(from, to, true) {
		return &TransitionError{
			Code: CodeReindexRequired,
			Message: fmt.Sprintf("переход %s → %s допустим только по явному запросу reindex",
				from, to),
		}
	}

	return &TransitionError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
	}
}

// TransitionRecord — запись о переходе между статусами.
type TransitionRecord struct {
	From      model.IndexStatus `json:"from"`
	To        model.IndexStatus `json:"to"`
	Timestamp time.Time         `json:"timestamp"`
}

// Machine — трекер статуса одной записи внутри воркера.
// Хранит историю переходов для диагностики. Потокобезопасна.
type Machine struct {
	mu      sync.RWMutex
	current model.IndexStatus
	history []TransitionRecord
}

// NewMachine создаёт трекер с начальным статусом.
// Возвращает ошибку, если статус невалидный.
func NewMachine(initial model.IndexStatus) (*Machine, error) {
	if !IsValid(initial) {
		return nil, fmt.Errorf("недопустимый начальный статус: %q", initial)
	}

	return &Machine{
		current: initial,
		history: make([]TransitionRecord, 0),
	}, nil
}

// Current возвращает текущий статус.
func (m *Machine) Current() model.IndexStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// TransitionTo выполняет переход в указанный статус.
// reindex разрешает обратный переход в preparing.
func (m *Machine) TransitionTo(target model.IndexStatus, reindex bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := Validate(m.current, target, reindex); err != nil {
		return err
	}

	m.history = append(m.history, TransitionRecord{
		From:      m.current,
		To:        target,
		Timestamp: time.Now().UTC(),
	})
	m.current = target

	return nil
}

// History возвращает историю переходов (копия).
func (m *Machine) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]TransitionRecord, len(m.history))
	copy(result, m.history)
	return result
}
