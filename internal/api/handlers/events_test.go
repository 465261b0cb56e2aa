package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/gofonoteka/internal/api/middleware"
	"github.com/bigkaa/gofonoteka/internal/domain/model"
	"github.com/bigkaa/gofonoteka/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestEventsStream_ThroughMiddleware проверяет, что SSE-поток отдаёт
// события через обёртку middleware: Flush должен доходить до исходного
// ResponseWriter по цепочке Unwrap.
func TestEventsStream_ThroughMiddleware(t *testing.T) {
	events := service.NewBroadcaster(8, testLogger())
	h := NewEventsHandler(events, testLogger())

	wrapped := middleware.RequestLogger(testLogger())(http.HandlerFunc(h.Stream))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wrapped.ServeHTTP(rec, req)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for events.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Обработчик не подписался на события")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events.Publish(service.RecordEvent{
		Type:   service.EventStatusChanged,
		Record: model.IndexRecordView{ID: "rec-1", Status: model.StatusOK},
	})

	// Даём обработчику записать событие, затем закрываем поток.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Обработчик не завершился после отмены контекста")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус = %d, ожидался %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, ожидался text/event-stream", ct)
	}
	if !rec.Flushed {
		t.Error("Flush не дошёл до исходного ResponseWriter через обёртку")
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: status_changed") {
		t.Errorf("В потоке нет события status_changed: %q", body)
	}
	if !strings.Contains(body, "rec-1") {
		t.Errorf("В потоке нет идентификатора записи: %q", body)
	}
}
