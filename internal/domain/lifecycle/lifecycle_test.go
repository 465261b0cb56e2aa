package lifecycle

import (
	"errors"
	"testing"

	"github.com/bigkaa/gofonoteka/internal/domain/model"
)

// TestValidate_MainPath проверяет основной путь жизненного цикла.
func TestValidate_MainPath(t *testing.T) {
	steps := []struct {
		from model.IndexStatus
		to   model.IndexStatus
	}{
		{model.StatusPreparing, model.StatusProcessing},
		{model.StatusProcessing, model.StatusOK},
	}

	for _, s := range steps {
		if err := Validate(s.from, s.to, false); err != nil {
			t.Errorf("переход %s → %s должен быть допустим: %v", s.from, s.to, err)
		}
	}
}

// TestValidate_ProcessingOutcomes проверяет все исходы обработки.
func TestValidate_ProcessingOutcomes(t *testing.T) {
	outcomes := []model.IndexStatus{
		model.StatusOK,
		model.StatusDuplicate,
		model.StatusErrored,
		model.StatusErroredPath,
	}

	for _, to := range outcomes {
		t.Run(string(to), func(t *testing.T) {
			if err := Validate(model.StatusProcessing, to, false); err != nil {
				t.Errorf("переход processing → %s должен быть допустим: %v", to, err)
			}
		})
	}
}

// TestValidate_IgnoreFromNonTerminal проверяет достижимость ignore
// из нетерминальных статусов.
func TestValidate_IgnoreFromNonTerminal(t *testing.T) {
	for _, from := range []model.IndexStatus{model.StatusPreparing, model.StatusProcessing} {
		if err := Validate(from, model.StatusIgnore, false); err != nil {
			t.Errorf("переход %s → ignore должен быть допустим: %v", from, err)
		}
	}
}

// TestValidate_IgnoreFromTerminal проверяет, что ignore недостижим
// из терминальных статусов.
func TestValidate_IgnoreFromTerminal(t *testing.T) {
	if err := Validate(model.StatusOK, model.StatusIgnore, false); err == nil {
		t.Error("переход ok → ignore должен быть отклонён")
	}
}

// TestValidate_ReindexRequired проверяет, что обратный переход без
// флага reindex возвращает код REINDEX_REQUIRED.
func TestValidate_ReindexRequired(t *testing.T) {
	err := Validate(model.StatusOK, model.StatusPreparing, false)
	if err == nil {
		t.Fatal("переход ok → preparing без reindex должен быть отклонён")
	}

	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("ожидалась TransitionError, получено %T", err)
	}
	if terr.Code != "REINDEX_REQUIRED" {
		t.Errorf("ожидался код REINDEX_REQUIRED, получен %q", terr.Code)
	}
}

// TestValidate_Reindex проверяет обратные переходы с флагом reindex.
func TestValidate_Reindex(t *testing.T) {
	reindexable := []model.IndexStatus{
		model.StatusProcessing,
		model.StatusOK,
		model.StatusDuplicate,
		model.StatusErrored,
		model.StatusErroredPath,
	}

	for _, from := range reindexable {
		t.Run(string(from), func(t *testing.T) {
			if err := Validate(from, model.StatusPreparing, true); err != nil {
				t.Errorf("reindex %s → preparing должен быть допустим: %v", from, err)
			}
		})
	}
}

// TestValidate_ReindexFromIgnore проверяет, что исключённая запись
// не переиндексируется даже с флагом reindex.
func TestValidate_ReindexFromIgnore(t *testing.T) {
	err := Validate(model.StatusIgnore, model.StatusPreparing, true)
	if err == nil {
		t.Fatal("reindex из ignore должен быть отклонён")
	}

	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("ожидалась TransitionError, получено %T", err)
	}
	if terr.Code != "INVALID_TRANSITION" {
		t.Errorf("ожидался код INVALID_TRANSITION, получен %q", terr.Code)
	}
}

// TestValidate_InvalidTarget проверяет недопустимый целевой статус.
func TestValidate_InvalidTarget(t *testing.T) {
	if err := Validate(model.StatusPreparing, model.IndexStatus("unknown"), false); err == nil {
		t.Error("переход в неизвестный статус должен быть отклонён")
	}
}

// TestRequiresReport проверяет, какие статусы требуют записи в отчёт.
func TestRequiresReport(t *testing.T) {
	cases := []struct {
		status model.IndexStatus
		want   bool
	}{
		{model.StatusErrored, true},
		{model.StatusErroredPath, true},
		{model.StatusOK, false},
		{model.StatusDuplicate, false},
		{model.StatusIgnore, false},
	}

	for _, c := range cases {
		if got := RequiresReport(c.status); got != c.want {
			t.Errorf("RequiresReport(%s) = %v, ожидалось %v", c.status, got, c.want)
		}
	}
}

// TestIsTerminal проверяет терминальность статусов.
func TestIsTerminal(t *testing.T) {
	for _, s := range []model.IndexStatus{
		model.StatusOK, model.StatusDuplicate, model.StatusErrored,
		model.StatusErroredPath, model.StatusIgnore,
	} {
		if !IsTerminal(s) {
			t.Errorf("статус %s должен быть терминальным", s)
		}
	}

	for _, s := range []model.IndexStatus{model.StatusPreparing, model.StatusProcessing} {
		if IsTerminal(s) {
			t.Errorf("статус %s не должен быть терминальным", s)
		}
	}
}

// TestMachine_FullCycle проверяет трекер на полном цикле обработки.
func TestMachine_FullCycle(t *testing.T) {
	m, err := NewMachine(model.StatusPreparing)
	if err != nil {
		t.Fatalf("ошибка создания Machine: %v", err)
	}

	if err := m.TransitionTo(model.StatusProcessing, false); err != nil {
		t.Fatalf("переход в processing: %v", err)
	}
	if err := m.TransitionTo(model.StatusOK, false); err != nil {
		t.Fatalf("переход в ok: %v", err)
	}

	if m.Current() != model.StatusOK {
		t.Errorf("ожидался статус ok, получен %s", m.Current())
	}

	history := m.History()
	if len(history) != 2 {
		t.Fatalf("ожидалось 2 записи истории, получено %d", len(history))
	}
	if history[0].From != model.StatusPreparing || history[1].To != model.StatusOK {
		t.Error("история переходов не соответствует выполненным переходам")
	}
}

// TestMachine_RejectsInvalid проверяет, что Machine отклоняет
// недопустимый переход и не меняет статус.
func TestMachine_RejectsInvalid(t *testing.T) {
	m, _ := NewMachine(model.StatusPreparing)

	if err := m.TransitionTo(model.StatusOK, false); err == nil {
		t.Error("переход preparing → ok должен быть отклонён")
	}
	if m.Current() != model.StatusPreparing {
		t.Errorf("статус не должен меняться после отклонённого перехода, получен %s", m.Current())
	}
}

// TestMachine_InvalidInitial проверяет создание с невалидным статусом.
func TestMachine_InvalidInitial(t *testing.T) {
	if _, err := NewMachine(model.IndexStatus("bogus")); err == nil {
		t.Error("ожидалась ошибка для невалидного начального статуса")
	}
}
