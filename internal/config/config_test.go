package config

import (
	"log/slog"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"FT_DB_HOST":     "localhost",
		"FT_DB_NAME":     "fonoteka",
		"FT_DB_USER":     "fonoteka",
		"FT_DB_PASSWORD": "secret",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	// Проверяем значения по умолчанию
	if cfg.Port != 8000 {
		t.Errorf("Port = %d, ожидается 8000", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if len(cfg.ScanExtensions) != 1 || cfg.ScanExtensions[0] != ".mp3" {
		t.Errorf("ScanExtensions = %v, ожидается [.mp3]", cfg.ScanExtensions)
	}
	if cfg.BatchChunkSize != 500 {
		t.Errorf("BatchChunkSize = %d, ожидается 500", cfg.BatchChunkSize)
	}
	if cfg.BatchChunkDelay != 2*time.Second {
		t.Errorf("BatchChunkDelay = %v, ожидается 2s", cfg.BatchChunkDelay)
	}
	if cfg.LockTTL != 5*time.Second {
		t.Errorf("LockTTL = %v, ожидается 5s", cfg.LockTTL)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Errorf("WorkerConcurrency = %d, ожидается 2", cfg.WorkerConcurrency)
	}
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Errorf("HeartbeatInterval = %v, ожидается 2s", cfg.HeartbeatInterval)
	}
	if cfg.StallThreshold != 30*time.Second {
		t.Errorf("StallThreshold = %v, ожидается 30s", cfg.StallThreshold)
	}
	if cfg.WatchEnabled {
		t.Error("WatchEnabled по умолчанию должен быть false")
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	envs := minimalEnvs()
	delete(envs, "FT_DB_PASSWORD")
	setEnvs(t, envs)
	t.Setenv("FT_DB_PASSWORD", "")

	if _, err := Load(); err == nil {
		t.Error("ожидалась ошибка при отсутствии FT_DB_PASSWORD")
	}
}

func TestLoad_PortOutOfRange(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("FT_PORT", "9000")

	if _, err := Load(); err == nil {
		t.Error("ожидалась ошибка для порта вне диапазона 8000-8009")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("FT_LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil {
		t.Error("ожидалась ошибка для недопустимого уровня логирования")
	}
}

func TestLoad_ExtensionsNormalized(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("FT_SCAN_EXTENSIONS", "mp3, .flac ,ogg")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	want := []string{".mp3", ".flac", ".ogg"}
	if len(cfg.ScanExtensions) != len(want) {
		t.Fatalf("ScanExtensions = %v, ожидается %v", cfg.ScanExtensions, want)
	}
	for i, ext := range want {
		if cfg.ScanExtensions[i] != ext {
			t.Errorf("ScanExtensions[%d] = %q, ожидается %q", i, cfg.ScanExtensions[i], ext)
		}
	}
}

func TestLoad_EvenLockDirs(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("FT_LOCK_DIRS", "/tmp/a,/tmp/b")

	if _, err := Load(); err == nil {
		t.Error("ожидалась ошибка для чётного числа координационных узлов")
	}
}

func TestLoad_StallThresholdBelowHeartbeat(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("FT_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("FT_STALL_THRESHOLD", "5s")

	if _, err := Load(); err == nil {
		t.Error("ожидалась ошибка: порог зависания меньше интервала heartbeat")
	}
}

func TestDatabaseDSN(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	want := "host=localhost port=5432 dbname=fonoteka user=fonoteka password=secret sslmode=disable"
	if got := cfg.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", got, want)
	}
}
