// Пакет server — HTTP-сервер Fonoteka с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/gofonoteka/internal/api/handlers"
	"github.com/bigkaa/gofonoteka/internal/api/middleware"
	"github.com/bigkaa/gofonoteka/internal/config"
)

// Handlers — обработчики маршрутов сервера.
type Handlers struct {
	Health  *handlers.HealthHandler
	Mounts  *handlers.MountHandler
	Records *handlers.RecordHandler
	Events  *handlers.EventsHandler
}

// Server — HTTP-сервер Fonoteka.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) *Server {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Get("/metrics", h.Health.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/mounts", func(r chi.Router) {
			r.Post("/", h.Mounts.Create)
			r.Get("/", h.Mounts.List)
			r.Get("/{id}", h.Mounts.Get)
			r.Post("/{id}/scan", h.Mounts.Scan)
		})

		r.Route("/records", func(r chi.Router) {
			r.Get("/", h.Records.List)
			r.Get("/{id}", h.Records.Get)
			r.Get("/{id}/report", h.Records.Report)
			r.Post("/{id}/status", h.Records.UpdateStatus)
			r.Post("/{id}/reindex", h.Records.Reindex)
			r.Post("/{id}/ignore", h.Records.Ignore)
		})

		r.Get("/events", h.Events.Stream)
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// SSE-поток живёт дольше обычного ответа
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
