// Пакет service — прикладные сервисы Fonoteka: индексация,
// справочные сущности, обогащение метаданных, рассылка событий.
package service

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gofonoteka/internal/domain/model"
)

var broadcastDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fonoteka_broadcast_dropped_total",
	Help: "Количество событий, отброшенных из-за медленных подписчиков",
})

// EventType — тип события каталога.
type EventType string

const (
	// EventCreated — запись зарегистрирована в каталоге.
	EventCreated EventType = "created"
	// EventStatusChanged — статус записи изменился.
	EventStatusChanged EventType = "status_changed"
	// EventReindexed — запись отправлена на переиндексацию.
	EventReindexed EventType = "reindexed"
	// EventIgnored — запись административно исключена.
	EventIgnored EventType = "ignored"
)

// RecordEvent — событие изменения записи каталога. Содержит усечённое
// представление записи без реляционных подграфов.
type RecordEvent struct {
	Type   EventType             `json:"type"`
	Record model.IndexRecordView `json:"record"`
}

// Broadcaster рассылает события каталога подписчикам.
// Типизированные каналы вместо interface{}-шины; медленный подписчик
// теряет события, но не блокирует рассылку.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan RecordEvent
	nextID int
	buf    int
	logger *slog.Logger
}

// NewBroadcaster создаёт рассыльщик с буфером buf на подписчика.
func NewBroadcaster(buf int, logger *slog.Logger) *Broadcaster {
	if buf < 1 {
		buf = 16
	}
	return &Broadcaster{
		subs:   make(map[int]chan RecordEvent),
		buf:    buf,
		logger: logger.With(slog.String("component", "broadcaster")),
	}
}

// Subscribe возвращает канал событий и функцию отписки.
// Канал закрывается при отписке.
func (b *Broadcaster) Subscribe() (<-chan RecordEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan RecordEvent, b.buf)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish рассылает событие всем подписчикам без блокировки.
func (b *Broadcaster) Publish(ev RecordEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			broadcastDroppedTotal.Inc()
			b.logger.Warn("Событие отброшено: подписчик не успевает",
				slog.String("type", string(ev.Type)),
				slog.String("record_id", ev.Record.ID),
			)
		}
	}
}

// SubscriberCount возвращает число активных подписчиков.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
