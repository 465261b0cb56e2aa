package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/gofonoteka/internal/config"
	"github.com/bigkaa/gofonoteka/internal/database"
	"github.com/bigkaa/gofonoteka/internal/domain/lifecycle"
	"github.com/bigkaa/gofonoteka/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("fonoteka_test"),
		postgres.WithUsername("fonoteka"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("FT_DB_HOST", host)
	os.Setenv("FT_DB_PORT", port.Port())
	os.Setenv("FT_DB_NAME", "fonoteka_test")
	os.Setenv("FT_DB_USER", "fonoteka")
	os.Setenv("FT_DB_PASSWORD", "test-password")
	os.Setenv("FT_DB_SSL_MODE", "disable")
	os.Setenv("FT_LOCK_DIRS", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// createTestMount создаёт mount с корнем в tempdir.
func createTestMount(t *testing.T, pool *pgxpool.Pool, name string) *model.Mount {
	t.Helper()
	mount := &model.Mount{
		Name:     name,
		Path:     t.TempDir(),
		Status:   model.MountStatusOK,
		BucketID: "bucket-001",
	}
	if err := NewMountRepository(pool).Create(context.Background(), mount); err != nil {
		t.Fatalf("Создание mount: %v", err)
	}
	return mount
}

// writeMountFiles создаёт файлы внутри mount и возвращает кандидатов.
func writeMountFiles(t *testing.T, mount *model.Mount, n int) []model.FileCandidate {
	t.Helper()
	candidates := make([]model.FileCandidate, 0, n)
	for i := 0; i < n; i++ {
		dir := fmt.Sprintf("album-%03d", i/100)
		name := fmt.Sprintf("track-%04d.mp3", i)
		full := filepath.Join(mount.Path, dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("Ошибка создания каталога: %v", err)
		}
		if err := os.WriteFile(full, []byte(fmt.Sprintf("audio-%d", i)), 0o644); err != nil {
			t.Fatalf("Ошибка записи файла: %v", err)
		}
		candidates = append(candidates, model.FileCandidate{Directory: dir, Filename: name})
	}
	return candidates
}

// newRecordRepo создаёт репозиторий записей с фиктивной паузой между
// чанками, фиксирующей вызовы.
func newRecordRepo(pool *pgxpool.Pool, chunkSize int, sleeps *[]time.Duration) IndexRecordRepository {
	return NewIndexRecordRepository(pool, NewTxRunner(pool), BatchOptions{
		ChunkSize:  chunkSize,
		ChunkDelay: 2 * time.Second,
		Sleep: func(d time.Duration) {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
		},
	})
}

// --- Тесты MountRepository ---

func TestMountCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewMountRepository(pool)

	mount := &model.Mount{
		Name:     "volume-a",
		Path:     "/srv/fonoteka/volume-a",
		Status:   model.MountStatusOK,
		BucketID: "bucket-001",
	}
	if err := repo.Create(ctx, mount); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if mount.ID == "" {
		t.Error("ID не установлен после Create")
	}
	if mount.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// Дублирующееся имя — конфликт
	dup := &model.Mount{Name: "volume-a", Path: "/srv/other", Status: model.MountStatusOK, BucketID: "bucket-001"}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Create() дубликата: ожидали ErrConflict, получили %v", err)
	}

	got, err := repo.GetByID(ctx, mount.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Name != "volume-a" {
		t.Errorf("Name = %q, хотели %q", got.Name, "volume-a")
	}

	// Фильтр по bucket
	other := &model.Mount{Name: "volume-b", Path: "/srv/b", Status: model.MountStatusOK, BucketID: "bucket-002"}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create() второго mount: %v", err)
	}
	bucket := "bucket-001"
	list, err := repo.List(ctx, &bucket)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(list) != 1 || list[0].ID != mount.ID {
		t.Errorf("List(bucket-001) вернул %d записей", len(list))
	}

	if err := repo.UpdateStatus(ctx, mount.ID, model.MountStatusIndexing); err != nil {
		t.Fatalf("UpdateStatus() ошибка: %v", err)
	}
	got2, _ := repo.GetByID(ctx, mount.ID)
	if got2.Status != model.MountStatusIndexing {
		t.Errorf("Status = %q, хотели indexing", got2.Status)
	}

	if _, err := repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() несуществующего mount: ожидали ErrNotFound, получили %v", err)
	}
}

// --- Тесты FindOrCreateBatch ---

func TestFindOrCreateBatch_ChunkingAndPacing(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "batch-mount")
	candidates := writeMountFiles(t, mount, 1200)

	var sleeps []time.Duration
	repo := newRecordRepo(pool, 500, &sleeps)

	result, err := repo.FindOrCreateBatch(ctx, mount, candidates)
	if err != nil {
		t.Fatalf("FindOrCreateBatch() ошибка: %v", err)
	}

	// 1200 кандидатов чанками по 500: 3 чанка, 2 паузы между ними
	if result.Chunks != 3 {
		t.Errorf("Chunks = %d, хотели 3", result.Chunks)
	}
	if len(sleeps) != 2 {
		t.Errorf("Пауз между чанками %d, хотели 2", len(sleeps))
	}
	for _, d := range sleeps {
		if d != 2*time.Second {
			t.Errorf("Пауза = %s, хотели 2s", d)
		}
	}
	if result.Created != 1200 || result.Existing != 0 {
		t.Errorf("Created=%d, Existing=%d; хотели 1200, 0", result.Created, result.Existing)
	}
	if len(result.Records) != 1200 {
		t.Fatalf("Records = %d, хотели 1200", len(result.Records))
	}

	// Каждая созданная запись: preparing, размер файла, привязанный отчёт
	rec := result.Records[0]
	if rec.Status != model.StatusPreparing {
		t.Errorf("Status = %q, хотели preparing", rec.Status)
	}
	if rec.Size == 0 {
		t.Error("Size не установлен из stat")
	}
	if rec.ReportID == nil {
		t.Error("ReportID не привязан")
	}
}

func TestFindOrCreateBatch_Idempotent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "idem-mount")
	candidates := writeMountFiles(t, mount, 10)

	repo := newRecordRepo(pool, 500, nil)

	first, err := repo.FindOrCreateBatch(ctx, mount, candidates)
	if err != nil {
		t.Fatalf("Первый FindOrCreateBatch() ошибка: %v", err)
	}

	// Повторный батч возвращает те же записи, не создавая новых
	second, err := repo.FindOrCreateBatch(ctx, mount, candidates)
	if err != nil {
		t.Fatalf("Повторный FindOrCreateBatch() ошибка: %v", err)
	}
	if second.Created != 0 || second.Existing != 10 {
		t.Errorf("Повторный батч: Created=%d, Existing=%d; хотели 0, 10", second.Created, second.Existing)
	}

	firstIDs := make(map[string]bool, len(first.Records))
	for _, rec := range first.Records {
		firstIDs[rec.ID] = true
	}
	for _, rec := range second.Records {
		if !firstIDs[rec.ID] {
			t.Errorf("Повторный батч вернул новую запись %s", rec.ID)
		}
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM index_records WHERE mount_id = $1`, mount.ID).Scan(&count); err != nil {
		t.Fatalf("Ошибка подсчёта записей: %v", err)
	}
	if count != 10 {
		t.Errorf("В каталоге %d записей, хотели 10", count)
	}
}

func TestFindOrCreateBatch_TupleBoundaries(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "tuple-mount")

	// Кортежи с совпадающей конкатенацией directory+filename:
	// сопоставление должно идти по парам значений, а не по склейке
	candidates := []model.FileCandidate{
		{Directory: "ab", Filename: "c.mp3"},
		{Directory: "a", Filename: "bc.mp3"},
		{Directory: "", Filename: "abc.mp3"},
	}
	for _, c := range candidates {
		full := filepath.Join(mount.Path, c.Directory, c.Filename)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("Ошибка создания каталога: %v", err)
		}
		if err := os.WriteFile(full, []byte("audio"), 0o644); err != nil {
			t.Fatalf("Ошибка записи файла: %v", err)
		}
	}

	repo := newRecordRepo(pool, 500, nil)

	first, err := repo.FindOrCreateBatch(ctx, mount, candidates)
	if err != nil {
		t.Fatalf("FindOrCreateBatch() ошибка: %v", err)
	}
	if first.Created != 3 {
		t.Errorf("Created = %d, хотели 3", first.Created)
	}

	// Повторный батч находит все три кортежа как существующие
	second, err := repo.FindOrCreateBatch(ctx, mount, candidates)
	if err != nil {
		t.Fatalf("Повторный FindOrCreateBatch() ошибка: %v", err)
	}
	if second.Created != 0 || second.Existing != 3 {
		t.Errorf("Повторный батч: Created=%d, Existing=%d; хотели 0, 3", second.Created, second.Existing)
	}
	seen := make(map[string]bool)
	for _, rec := range second.Records {
		key := rec.Directory + "|" + rec.Filename
		if seen[key] {
			t.Errorf("Кортеж (%q, %q) возвращён дважды", rec.Directory, rec.Filename)
		}
		seen[key] = true
	}
}

func TestFindOrCreateBatch_ConcurrentScans(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "race-mount")
	candidates := writeMountFiles(t, mount, 200)

	// Два конкурирующих сканирования одного mount: уникальность кортежа
	// не нарушается, оба получают полный набор записей
	var wg sync.WaitGroup
	results := make([]*BatchResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			repo := newRecordRepo(pool, 50, nil)
			results[n], errs[n] = repo.FindOrCreateBatch(ctx, mount, candidates)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Сканирование %d: %v", i, err)
		}
		if len(results[i].Records) != 200 {
			t.Errorf("Сканирование %d вернуло %d записей, хотели 200", i, len(results[i].Records))
		}
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM index_records WHERE mount_id = $1`, mount.ID).Scan(&count); err != nil {
		t.Fatalf("Ошибка подсчёта записей: %v", err)
	}
	if count != 200 {
		t.Errorf("В каталоге %d записей после конкурирующих сканирований, хотели 200", count)
	}

	if results[0].Created+results[1].Created != 200 {
		t.Errorf("Суммарно создано %d записей, хотели 200",
			results[0].Created+results[1].Created)
	}
}

func TestFindOrCreateBatch_UnreadablePath(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "missing-mount")

	repo := newRecordRepo(pool, 500, nil)

	// Кандидат без файла на диске: запись создаётся в errored_path
	// с ошибкой в отчёте
	result, err := repo.FindOrCreateBatch(ctx, mount, []model.FileCandidate{
		{Directory: "ghost", Filename: "vanished.mp3"},
	})
	if err != nil {
		t.Fatalf("FindOrCreateBatch() ошибка: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("Records = %d, хотели 1", len(result.Records))
	}

	rec := result.Records[0]
	if rec.Status != model.StatusErroredPath {
		t.Errorf("Status = %q, хотели errored_path", rec.Status)
	}

	report, err := NewReportRepository(pool).GetByIndexID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByIndexID() ошибка: %v", err)
	}
	if len(report.Entries) != 1 || report.Entries[0].Level != model.LevelError {
		t.Errorf("Отчёт не содержит записи об ошибке: %+v", report.Entries)
	}
}

// --- Тесты переходов жизненного цикла ---

func TestUpdateStatus_MainPath(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "lifecycle-mount")
	candidates := writeMountFiles(t, mount, 1)

	repo := newRecordRepo(pool, 500, nil)
	result, err := repo.FindOrCreateBatch(ctx, mount, candidates)
	if err != nil {
		t.Fatalf("FindOrCreateBatch() ошибка: %v", err)
	}
	rec := result.Records[0]

	// preparing -> processing -> ok
	if _, err := repo.UpdateStatus(ctx, rec.ID, model.StatusProcessing, nil); err != nil {
		t.Fatalf("Переход в processing: %v", err)
	}
	if err := repo.SetChecksum(ctx, rec.ID, "sha256:abc"); err != nil {
		t.Fatalf("SetChecksum() ошибка: %v", err)
	}
	updated, err := repo.UpdateStatus(ctx, rec.ID, model.StatusOK, nil)
	if err != nil {
		t.Fatalf("Переход в ok: %v", err)
	}
	if updated.Status != model.StatusOK {
		t.Errorf("Status = %q, хотели ok", updated.Status)
	}

	// Терминальный статус: прямой переход обратно запрещён
	_, err = repo.UpdateStatus(ctx, rec.ID, model.StatusPreparing, nil)
	var trErr *lifecycle.TransitionError
	if !errors.As(err, &trErr) || trErr.Code != lifecycle.CodeReindexRequired {
		t.Errorf("Переход ok → preparing: ожидали REINDEX_REQUIRED, получили %v", err)
	}
}

func TestUpdateStatus_ErrorRequiresReport(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "report-mount")
	candidates := writeMountFiles(t, mount, 1)

	repo := newRecordRepo(pool, 500, nil)
	result, _ := repo.FindOrCreateBatch(ctx, mount, candidates)
	rec := result.Records[0]

	if _, err := repo.UpdateStatus(ctx, rec.ID, model.StatusProcessing, nil); err != nil {
		t.Fatalf("Переход в processing: %v", err)
	}

	// Переход в errored без записи отчёта отклоняется
	if _, err := repo.UpdateStatus(ctx, rec.ID, model.StatusErrored, nil); err == nil {
		t.Error("Переход в errored без report entry должен отклоняться")
	}

	entry := &model.ReportEntry{
		Timestamp: time.Now().UTC(),
		Level:     model.LevelError,
		Message:   "ошибка чтения метаданных",
		Stack:     "stack trace",
	}
	if _, err := repo.UpdateStatus(ctx, rec.ID, model.StatusErrored, entry); err != nil {
		t.Fatalf("Переход в errored с отчётом: %v", err)
	}

	// Запись отчёта зафиксирована в той же транзакции, что и статус
	report, err := NewReportRepository(pool).GetByIndexID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByIndexID() ошибка: %v", err)
	}
	if len(report.Entries) != 1 || report.Entries[0].Message != "ошибка чтения метаданных" {
		t.Errorf("Отчёт: %+v", report.Entries)
	}
}

func TestReindex(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "reindex-mount")
	candidates := writeMountFiles(t, mount, 1)

	repo := newRecordRepo(pool, 500, nil)
	reports := NewReportRepository(pool)
	result, _ := repo.FindOrCreateBatch(ctx, mount, candidates)
	rec := result.Records[0]

	// Доводим запись до ok с checksum и записью в отчёте
	repo.UpdateStatus(ctx, rec.ID, model.StatusProcessing, nil)
	repo.SetChecksum(ctx, rec.ID, "sha256:old")
	repo.UpdateStatus(ctx, rec.ID, model.StatusOK, nil)
	reports.Append(ctx, rec.ID, model.ReportEntry{
		Timestamp: time.Now().UTC(), Level: model.LevelInfo, Message: "обработано",
	})

	reindexed, err := repo.Reindex(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Reindex() ошибка: %v", err)
	}
	if reindexed.Status != model.StatusPreparing {
		t.Errorf("Status = %q, хотели preparing", reindexed.Status)
	}
	if reindexed.Checksum != nil {
		t.Errorf("Checksum не сброшен: %v", *reindexed.Checksum)
	}

	// Отчёт пересоздан пустым
	report, err := reports.GetByIndexID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByIndexID() после reindex: %v", err)
	}
	if len(report.Entries) != 0 {
		t.Errorf("Отчёт после reindex содержит %d записей, хотели 0", len(report.Entries))
	}
}

func TestIgnore(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "ignore-mount")
	candidates := writeMountFiles(t, mount, 1)

	repo := newRecordRepo(pool, 500, nil)
	result, _ := repo.FindOrCreateBatch(ctx, mount, candidates)
	rec := result.Records[0]

	ignored, err := repo.Ignore(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Ignore() ошибка: %v", err)
	}
	if ignored.Status != model.StatusIgnore {
		t.Errorf("Status = %q, хотели ignore", ignored.Status)
	}

	// Исключение фиксируется в отчёте
	report, _ := NewReportRepository(pool).GetByIndexID(ctx, rec.ID)
	if len(report.Entries) != 1 || report.Entries[0].Level != model.LevelInfo {
		t.Errorf("Отчёт: %+v", report.Entries)
	}

	// Исключённая запись не переиндексируется
	if _, err := repo.Reindex(ctx, rec.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("Reindex() исключённой записи: ожидали ErrConflict, получили %v", err)
	}

	// Исключённый путь остаётся известным: повторное сканирование
	// не создаст запись заново
	known, err := repo.KnownPaths(ctx, mount.ID)
	if err != nil {
		t.Fatalf("KnownPaths() ошибка: %v", err)
	}
	key := filepath.Join(rec.Directory, rec.Filename)
	if _, ok := known[key]; !ok {
		t.Errorf("Исключённый путь %q отсутствует в известных", key)
	}
}

func TestFindDuplicateByChecksum(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	mount := createTestMount(t, pool, "dup-mount")
	candidates := writeMountFiles(t, mount, 3)

	repo := newRecordRepo(pool, 500, nil)
	result, _ := repo.FindOrCreateBatch(ctx, mount, candidates)

	first, second, third := result.Records[0], result.Records[1], result.Records[2]

	// Первая запись в ok с контрольной суммой
	repo.UpdateStatus(ctx, first.ID, model.StatusProcessing, nil)
	repo.SetChecksum(ctx, first.ID, "sha256:same")
	repo.UpdateStatus(ctx, first.ID, model.StatusOK, nil)

	// Вторая запись с той же суммой находит первую как дубликат
	dup, err := repo.FindDuplicateByChecksum(ctx, "sha256:same", second.ID)
	if err != nil {
		t.Fatalf("FindDuplicateByChecksum() ошибка: %v", err)
	}
	if dup.ID != first.ID {
		t.Errorf("Дубликат = %s, хотели %s", dup.ID, first.ID)
	}

	// Собственная запись исключается из поиска
	if _, err := repo.FindDuplicateByChecksum(ctx, "sha256:same", first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Поиск с исключением единственного носителя: ожидали ErrNotFound, получили %v", err)
	}

	// Записи в errored не считаются носителями дубликата
	repo.UpdateStatus(ctx, third.ID, model.StatusProcessing, nil)
	repo.SetChecksum(ctx, third.ID, "sha256:other")
	repo.UpdateStatus(ctx, third.ID, model.StatusErrored, &model.ReportEntry{
		Timestamp: time.Now().UTC(), Level: model.LevelError, Message: "ошибка",
	})
	if _, err := repo.FindDuplicateByChecksum(ctx, "sha256:other", second.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Запись в errored найдена как дубликат: %v", err)
	}
}

// --- Тесты EntityRepository ---

func TestEntityFindOrCreate(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewEntityRepository(pool)

	entity, existed, err := repo.FindOrCreate(ctx, model.KindArtist, "John Coltrane")
	if err != nil {
		t.Fatalf("FindOrCreate() ошибка: %v", err)
	}
	if existed {
		t.Error("Первый FindOrCreate вернул existed=true")
	}

	again, existed2, err := repo.FindOrCreate(ctx, model.KindArtist, "John Coltrane")
	if err != nil {
		t.Fatalf("Повторный FindOrCreate() ошибка: %v", err)
	}
	if !existed2 || again.ID != entity.ID {
		t.Errorf("Повторный FindOrCreate: existed=%v, ID=%s; хотели true, %s", existed2, again.ID, entity.ID)
	}

	// Тот же name с другим kind — отдельная сущность
	label, _, err := repo.FindOrCreate(ctx, model.KindLabel, "John Coltrane")
	if err != nil {
		t.Fatalf("FindOrCreate() другого kind: %v", err)
	}
	if label.ID == entity.ID {
		t.Error("Сущности разных kind получили один ID")
	}
}

func TestEntityFindOrCreate_Concurrent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewEntityRepository(pool)

	// Конкурентное создание одного имени: ON CONFLICT гарантирует
	// единственную строку даже без распределённой блокировки
	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e, _, err := repo.FindOrCreate(ctx, model.KindGenre, "hard bop")
			if err != nil {
				errs[n] = err
				return
			}
			ids[n] = e.ID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Воркер %d: %v", i, err)
		}
	}
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Errorf("Воркеры получили разные ID: %s и %s", ids[0], ids[i])
		}
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM entities WHERE kind = 'genre' AND name = 'hard bop'`).Scan(&count); err != nil {
		t.Fatalf("Ошибка подсчёта сущностей: %v", err)
	}
	if count != 1 {
		t.Errorf("Создано %d строк сущности, хотели 1", count)
	}
}
