package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enrichRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fonoteka_enrich_requests_total",
	Help: "Количество запросов к сервису обогащения метаданных",
}, []string{"outcome"}) // outcome: ok, error, disabled

// Enrichment — метаданные трека от внешнего сервиса.
// Все поля опциональны: сервис возвращает то, что нашёл.
type Enrichment struct {
	Artist      string `json:"artist,omitempty"`
	Label       string `json:"label,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	Distributor string `json:"distributor,omitempty"`
	Artwork     string `json:"artwork,omitempty"`
}

// Empty сообщает, содержит ли результат хоть одно поле.
func (e *Enrichment) Empty() bool {
	return e.Artist == "" && e.Label == "" && e.Genre == "" &&
		e.Publisher == "" && e.Distributor == "" && e.Artwork == ""
}

// Enricher — клиент внешнего сервиса обогащения метаданных.
// Запросы ограничены по частоте; недоступность сервиса не срывает
// индексацию — запись остаётся без обогащения.
type Enricher struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewEnricher создаёт клиент обогащения. Пустой baseURL отключает
// обогащение: Lookup всегда возвращает nil.
func NewEnricher(baseURL string, rps float64, logger *slog.Logger) *Enricher {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Enricher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
		logger:  logger.With(slog.String("component", "enricher")),
	}
}

// Enabled сообщает, настроено ли обогащение.
func (e *Enricher) Enabled() bool {
	return e.baseURL != ""
}

// Lookup запрашивает метаданные по имени файла. Возвращает nil без
// ошибки, если обогащение отключено или ничего не найдено; сетевые
// ошибки и неуспешные статусы возвращаются вызывающему — он решает,
// продолжать ли без обогащения.
func (e *Enricher) Lookup(ctx context.Context, filename string) (*Enrichment, error) {
	if !e.Enabled() {
		enrichRequestsTotal.WithLabelValues("disabled").Inc()
		return nil, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ожидание лимита запросов прервано: %w", err)
		}
	}

	reqURL := fmt.Sprintf("%s/lookup?filename=%s", e.baseURL, url.QueryEscape(filename))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса обогащения: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		enrichRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("ошибка запроса обогащения: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		enrichRequestsTotal.WithLabelValues("ok").Inc()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		enrichRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("сервис обогащения вернул статус %d", resp.StatusCode)
	}

	var result Enrichment
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		enrichRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("ошибка разбора ответа обогащения: %w", err)
	}

	enrichRequestsTotal.WithLabelValues("ok").Inc()
	if result.Empty() {
		return nil, nil
	}
	return &result, nil
}
