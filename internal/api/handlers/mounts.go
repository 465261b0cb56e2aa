// mounts.go — обработчики управления точками монтирования.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gofonoteka/internal/api/errors"
	"github.com/bigkaa/gofonoteka/internal/domain/model"
	"github.com/bigkaa/gofonoteka/internal/repository"
	"github.com/bigkaa/gofonoteka/internal/service"
)

// MountHandler — обработчик операций с mount.
type MountHandler struct {
	mounts  repository.MountRepository
	indexer *service.Indexer
	logger  *slog.Logger
}

// NewMountHandler создаёт обработчик mount.
func NewMountHandler(mounts repository.MountRepository, indexer *service.Indexer, logger *slog.Logger) *MountHandler {
	return &MountHandler{
		mounts:  mounts,
		indexer: indexer,
		logger:  logger.With(slog.String("component", "mount_handler")),
	}
}

// mountResponse — представление mount в ответах API.
type mountResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Status    string `json:"status"`
	BucketID  string `json:"bucket_id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toMountResponse(m *model.Mount) mountResponse {
	return mountResponse{
		ID:        m.ID,
		Name:      m.Name,
		Path:      m.Path,
		Status:    string(m.Status),
		BucketID:  m.BucketID,
		CreatedAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: m.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// createMountRequest — тело запроса создания mount.
type createMountRequest struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	BucketID string `json:"bucket_id"`
}

// Create — POST /api/v1/mounts.
func (h *MountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "некорректное тело запроса")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Path = strings.TrimSpace(req.Path)
	if req.Name == "" || req.Path == "" || req.BucketID == "" {
		apierrors.ValidationError(w, "поля name, path и bucket_id обязательны")
		return
	}
	if !strings.HasPrefix(req.Path, "/") {
		apierrors.ValidationError(w, "path должен быть абсолютным")
		return
	}

	mount := &model.Mount{
		Name:     req.Name,
		Path:     req.Path,
		Status:   model.MountStatusOK,
		BucketID: req.BucketID,
	}
	if err := h.mounts.Create(r.Context(), mount); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			apierrors.Conflict(w, "mount с таким именем уже существует")
			return
		}
		h.logger.Error("Ошибка создания mount", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка создания mount")
		return
	}

	writeJSON(w, http.StatusCreated, toMountResponse(mount))
}

// List — GET /api/v1/mounts.
func (h *MountHandler) List(w http.ResponseWriter, r *http.Request) {
	var bucketID *string
	if raw := r.URL.Query().Get("bucket_id"); raw != "" {
		bucketID = &raw
	}

	mounts, err := h.mounts.List(r.Context(), bucketID)
	if err != nil {
		h.logger.Error("Ошибка получения списка mount", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка получения списка mount")
		return
	}

	items := make([]mountResponse, 0, len(mounts))
	for _, m := range mounts {
		items = append(items, toMountResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// Get — GET /api/v1/mounts/{id}.
func (h *MountHandler) Get(w http.ResponseWriter, r *http.Request) {
	mountID := chi.URLParam(r, "id")

	mount, err := h.mounts.GetByID(r.Context(), mountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "mount не найден")
			return
		}
		h.logger.Error("Ошибка получения mount", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка получения mount")
		return
	}
	writeJSON(w, http.StatusOK, toMountResponse(mount))
}

// Scan — POST /api/v1/mounts/{id}/scan. Ставит задачу сканирования;
// повторный запрос при сканировании в полёте дедуплицируется.
// force=true пересматривает и уже известные файлы.
func (h *MountHandler) Scan(w http.ResponseWriter, r *http.Request) {
	mountID := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	enqueued, err := h.indexer.EnqueueScan(r.Context(), mountID, force)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "mount не найден")
			return
		}
		h.logger.Error("Ошибка постановки сканирования",
			slog.String("mount_id", mountID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "ошибка постановки сканирования")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   model.ScanJobID(mountID),
		"enqueued": enqueued,
	})
}
