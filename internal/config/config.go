// Пакет config — загрузка и валидация конфигурации Fonoteka
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Fonoteka.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8000-8009)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Сканирование ---

	// Расширения аудиофайлов, включаемые в каталог (через запятую)
	ScanExtensions []string
	// Glob-шаблоны путей, исключаемых из сканирования (doublestar)
	ScanIgnore []string
	// Размер чанка batch find-or-create
	BatchChunkSize int
	// Пауза между чанками batch find-or-create
	BatchChunkDelay time.Duration

	// --- Распределённая блокировка ---

	// Директории координационных узлов (через запятую, нечётное число)
	LockDirs []string
	// Время жизни блокировки
	LockTTL time.Duration
	// Максимальное число повторов захвата при waitForLock
	LockRetryMax int
	// Базовая задержка между повторами захвата
	LockRetryDelay time.Duration

	// --- Очередь и воркеры ---

	// Количество воркеров очереди
	WorkerConcurrency int
	// Интервал опроса очереди воркером
	PollInterval time.Duration
	// Интервал heartbeat длительных задач
	HeartbeatInterval time.Duration
	// Порог определения зависшей задачи
	StallThreshold time.Duration
	// Окно паузы арбитражной очереди между элементами
	Cooldown time.Duration

	// --- Обогащение метаданных ---

	// URL внешнего сервиса обогащения (пусто — обогащение отключено)
	EnrichURL string
	// Лимит запросов обогащения в секунду
	EnrichRPS float64

	// --- Наблюдение за mount ---

	// Включить fsnotify-наблюдение за mount (авто-enqueue rescan)
	WatchEnabled bool
	// Окно дебаунса событий файловой системы
	WatchDebounce time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// FT_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("FT_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("FT_PORT: %w", err)
	}
	if cfg.Port < 8000 || cfg.Port > 8009 {
		return nil, fmt.Errorf("FT_PORT: значение %d вне допустимого диапазона 8000-8009", cfg.Port)
	}

	// FT_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FT_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FT_LOG_LEVEL: %w", err)
	}

	// FT_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("FT_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FT_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// FT_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("FT_DB_HOST")
	if err != nil {
		return nil, err
	}

	// FT_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("FT_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("FT_DB_PORT: %w", err)
	}

	// FT_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("FT_DB_NAME")
	if err != nil {
		return nil, err
	}

	// FT_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("FT_DB_USER")
	if err != nil {
		return nil, err
	}

	// FT_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("FT_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// FT_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("FT_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("FT_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Сканирование ---

	// FT_SCAN_EXTENSIONS — расширения аудиофайлов (по умолчанию ".mp3")
	cfg.ScanExtensions = parseCSV(getEnvDefault("FT_SCAN_EXTENSIONS", ".mp3"))
	for i, ext := range cfg.ScanExtensions {
		if !strings.HasPrefix(ext, ".") {
			cfg.ScanExtensions[i] = "." + ext
		}
	}

	// FT_SCAN_IGNORE — glob-шаблоны исключаемых путей (опционально)
	cfg.ScanIgnore = parseCSV(getEnvDefault("FT_SCAN_IGNORE", ""))

	// FT_BATCH_CHUNK_SIZE — размер чанка batch find-or-create (по умолчанию 500)
	cfg.BatchChunkSize, err = getEnvInt("FT_BATCH_CHUNK_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("FT_BATCH_CHUNK_SIZE: %w", err)
	}
	if cfg.BatchChunkSize < 1 || cfg.BatchChunkSize > 10000 {
		return nil, fmt.Errorf("FT_BATCH_CHUNK_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.BatchChunkSize)
	}

	// FT_BATCH_CHUNK_DELAY — пауза между чанками (по умолчанию 2s)
	cfg.BatchChunkDelay, err = getEnvDuration("FT_BATCH_CHUNK_DELAY", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FT_BATCH_CHUNK_DELAY: %w", err)
	}

	// --- Распределённая блокировка ---

	// FT_LOCK_DIRS — директории координационных узлов (по умолчанию одна)
	cfg.LockDirs = parseCSV(getEnvDefault("FT_LOCK_DIRS", "/var/lib/fonoteka/locks"))
	if len(cfg.LockDirs)%2 == 0 {
		return nil, fmt.Errorf("FT_LOCK_DIRS: требуется нечётное число узлов для кворума, задано %d", len(cfg.LockDirs))
	}

	// FT_LOCK_TTL — время жизни блокировки (по умолчанию 5s)
	cfg.LockTTL, err = getEnvDuration("FT_LOCK_TTL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FT_LOCK_TTL: %w", err)
	}

	// FT_LOCK_RETRY_MAX — максимум повторов захвата (по умолчанию 20)
	cfg.LockRetryMax, err = getEnvInt("FT_LOCK_RETRY_MAX", 20)
	if err != nil {
		return nil, fmt.Errorf("FT_LOCK_RETRY_MAX: %w", err)
	}

	// FT_LOCK_RETRY_DELAY — задержка между повторами (по умолчанию 200ms)
	cfg.LockRetryDelay, err = getEnvDuration("FT_LOCK_RETRY_DELAY", 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("FT_LOCK_RETRY_DELAY: %w", err)
	}

	// --- Очередь и воркеры ---

	// FT_WORKER_CONCURRENCY — количество воркеров (по умолчанию 2)
	cfg.WorkerConcurrency, err = getEnvInt("FT_WORKER_CONCURRENCY", 2)
	if err != nil {
		return nil, fmt.Errorf("FT_WORKER_CONCURRENCY: %w", err)
	}
	if cfg.WorkerConcurrency < 1 || cfg.WorkerConcurrency > 16 {
		return nil, fmt.Errorf("FT_WORKER_CONCURRENCY: значение %d вне допустимого диапазона 1-16", cfg.WorkerConcurrency)
	}

	// FT_POLL_INTERVAL — интервал опроса очереди (по умолчанию 1s)
	cfg.PollInterval, err = getEnvDuration("FT_POLL_INTERVAL", time.Second)
	if err != nil {
		return nil, fmt.Errorf("FT_POLL_INTERVAL: %w", err)
	}

	// FT_HEARTBEAT_INTERVAL — интервал heartbeat (по умолчанию 2s)
	cfg.HeartbeatInterval, err = getEnvDuration("FT_HEARTBEAT_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FT_HEARTBEAT_INTERVAL: %w", err)
	}

	// FT_STALL_THRESHOLD — порог зависания задачи (по умолчанию 30s)
	cfg.StallThreshold, err = getEnvDuration("FT_STALL_THRESHOLD", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FT_STALL_THRESHOLD: %w", err)
	}
	if cfg.StallThreshold <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("FT_STALL_THRESHOLD: порог %s должен превышать интервал heartbeat %s",
			cfg.StallThreshold, cfg.HeartbeatInterval)
	}

	// FT_COOLDOWN — пауза арбитражной очереди (по умолчанию 1s)
	cfg.Cooldown, err = getEnvDuration("FT_COOLDOWN", time.Second)
	if err != nil {
		return nil, fmt.Errorf("FT_COOLDOWN: %w", err)
	}

	// --- Обогащение метаданных ---

	// FT_ENRICH_URL — URL сервиса обогащения (опционально)
	cfg.EnrichURL = strings.TrimRight(getEnvDefault("FT_ENRICH_URL", ""), "/")

	// FT_ENRICH_RPS — лимит запросов в секунду (по умолчанию 2)
	cfg.EnrichRPS, err = getEnvFloat("FT_ENRICH_RPS", 2)
	if err != nil {
		return nil, fmt.Errorf("FT_ENRICH_RPS: %w", err)
	}

	// --- Наблюдение за mount ---

	// FT_WATCH_ENABLED — fsnotify-наблюдение (по умолчанию false)
	cfg.WatchEnabled = getEnvDefault("FT_WATCH_ENABLED", "false") == "true"

	// FT_WATCH_DEBOUNCE — окно дебаунса (по умолчанию 5s)
	cfg.WatchDebounce, err = getEnvDuration("FT_WATCH_DEBOUNCE", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FT_WATCH_DEBOUNCE: %w", err)
	}

	// --- Graceful shutdown ---

	// FT_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("FT_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FT_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает число с плавающей точкой из переменной окружения
// или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
