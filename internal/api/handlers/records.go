// records.go — обработчики записей каталога: список, карточка, отчёт,
// переходы жизненного цикла (status, reindex, ignore).
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gofonoteka/internal/api/errors"
	"github.com/bigkaa/gofonoteka/internal/domain/lifecycle"
	"github.com/bigkaa/gofonoteka/internal/domain/model"
	"github.com/bigkaa/gofonoteka/internal/repository"
	"github.com/bigkaa/gofonoteka/internal/service"
)

// RecordHandler — обработчик записей каталога.
type RecordHandler struct {
	records repository.IndexRecordRepository
	reports repository.ReportRepository
	indexer *service.Indexer
	logger  *slog.Logger
}

// NewRecordHandler создаёт обработчик записей каталога.
func NewRecordHandler(
	records repository.IndexRecordRepository,
	reports repository.ReportRepository,
	indexer *service.Indexer,
	logger *slog.Logger,
) *RecordHandler {
	return &RecordHandler{
		records: records,
		reports: reports,
		indexer: indexer,
		logger:  logger.With(slog.String("component", "record_handler")),
	}
}

// List — GET /api/v1/records. Фильтры: mount_id, status.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)

	filters := repository.RecordListFilters{}
	if raw := r.URL.Query().Get("mount_id"); raw != "" {
		filters.MountID = &raw
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := model.IndexStatus(raw)
		if !lifecycle.IsValid(status) {
			apierrors.ValidationError(w, "недопустимое значение status")
			return
		}
		filters.Status = &status
	}

	records, err := h.records.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.logger.Error("Ошибка получения списка записей", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка получения списка записей")
		return
	}

	items := make([]model.IndexRecordView, 0, len(records))
	for _, rec := range records {
		items = append(items, rec.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

// Get — GET /api/v1/records/{id}.
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

// Report — GET /api/v1/records/{id}/report.
func (h *RecordHandler) Report(w http.ResponseWriter, r *http.Request) {
	indexID := chi.URLParam(r, "id")

	report, err := h.reports.GetByIndexID(r.Context(), indexID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "отчёт не найден")
			return
		}
		h.logger.Error("Ошибка получения отчёта", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка получения отчёта")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       report.ID,
		"index_id": report.IndexID,
		"entries":  report.Entries,
	})
}

// updateStatusRequest — тело запроса перехода жизненного цикла.
type updateStatusRequest struct {
	Status      model.IndexStatus  `json:"status"`
	ReportEntry *model.ReportEntry `json:"report_entry,omitempty"`
}

// UpdateStatus — POST /api/v1/records/{id}/status. Выполняет переход
// жизненного цикла; для статусов ошибок тело должно содержать report_entry.
func (h *RecordHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	indexID := chi.URLParam(r, "id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "некорректное тело запроса")
		return
	}
	if !lifecycle.IsValid(req.Status) {
		apierrors.ValidationError(w, "недопустимое значение status")
		return
	}
	if lifecycle.RequiresReport(req.Status) && req.ReportEntry == nil {
		apierrors.ValidationError(w, "переход в "+string(req.Status)+" требует report_entry")
		return
	}

	rec, err := h.records.UpdateStatus(r.Context(), indexID, req.Status, req.ReportEntry)
	if err != nil {
		h.writeTransitionError(w, indexID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

// Reindex — POST /api/v1/records/{id}/reindex. Возвращает запись в
// preparing, пересоздаёт отчёт и ставит задачу обработки.
func (h *RecordHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	indexID := chi.URLParam(r, "id")

	rec, err := h.indexer.Reindex(r.Context(), indexID)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			apierrors.Conflict(w, "запись в статусе ignore не подлежит переиндексации")
			return
		}
		h.writeTransitionError(w, indexID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec.View())
}

// Ignore — POST /api/v1/records/{id}/ignore. Административно исключает
// запись: терминальный статус, обратной дороги нет.
func (h *RecordHandler) Ignore(w http.ResponseWriter, r *http.Request) {
	indexID := chi.URLParam(r, "id")

	rec, err := h.indexer.Ignore(r.Context(), indexID)
	if err != nil {
		h.writeTransitionError(w, indexID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

// loadRecord читает запись по id из пути, обрабатывая типовые ошибки.
func (h *RecordHandler) loadRecord(w http.ResponseWriter, r *http.Request) (*model.IndexRecord, bool) {
	indexID := chi.URLParam(r, "id")

	rec, err := h.records.GetByID(r.Context(), indexID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "запись не найдена")
			return nil, false
		}
		h.logger.Error("Ошибка получения записи",
			slog.String("index_id", indexID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "ошибка получения записи")
		return nil, false
	}
	return rec, true
}

// writeTransitionError преобразует ошибки переходов жизненного цикла
// и репозитория в HTTP-ответы.
func (h *RecordHandler) writeTransitionError(w http.ResponseWriter, indexID string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		apierrors.NotFound(w, "запись не найдена")
		return
	}

	var trErr *lifecycle.TransitionError
	if errors.As(err, &trErr) {
		switch trErr.Code {
		case lifecycle.CodeReindexRequired:
			apierrors.ReindexRequired(w, trErr.Message)
		default:
			apierrors.InvalidTransition(w, trErr.Message)
		}
		return
	}

	h.logger.Error("Ошибка перехода жизненного цикла",
		slog.String("index_id", indexID),
		slog.String("error", err.Error()),
	)
	apierrors.InternalError(w, "ошибка перехода жизненного цикла")
}
