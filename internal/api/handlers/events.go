// events.go — широковещательная рассылка событий каталога клиентам
// через Server-Sent Events.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/gofonoteka/internal/service"
)

// EventsHandler — SSE-поток событий каталога.
type EventsHandler struct {
	events *service.Broadcaster
	logger *slog.Logger

	// keepAliveInterval — интервал комментариев-пингов, удерживающих
	// соединение через прокси
	keepAliveInterval time.Duration
}

// NewEventsHandler создаёт обработчик потока событий.
func NewEventsHandler(events *service.Broadcaster, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		events:            events,
		logger:            logger.With(slog.String("component", "events_handler")),
		keepAliveInterval: 30 * time.Second,
	}
}

// Stream — GET /api/v1/events. Отдаёт события изменений записей каталога
// в формате SSE до отключения клиента. Клиент, не успевающий читать,
// теряет события — это усечённые уведомления, а не журнал репликации.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	// ResponseController добирается до Flusher через Unwrap обёрток
	// middleware, прямое приведение типа через них не проходит.
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error("Потоковая передача не поддерживается", slog.String("error", err.Error()))
		return
	}

	ch, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	h.logger.Debug("SSE-клиент подключён", slog.String("remote_addr", r.RemoteAddr))
	defer h.logger.Debug("SSE-клиент отключён", slog.String("remote_addr", r.RemoteAddr))

	keepAlive := time.NewTicker(h.keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Ошибка сериализации события", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
