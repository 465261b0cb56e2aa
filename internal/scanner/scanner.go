// Пакет scanner — обход точки монтирования и отбор кандидатов
// на индексацию.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bigkaa/gofonoteka/internal/domain/model"
)

// Options — параметры одного обхода.
type Options struct {
	// Extensions — расширения включаемых файлов (с ведущей точкой,
	// регистронезависимо)
	Extensions []string
	// Ignore — doublestar-шаблоны исключаемых относительных путей
	Ignore []string
	// Known — известные пути (directory + "/" + filename), пропускаемые
	// при обычном сканировании
	Known map[string]struct{}
	// Force — игнорировать Known и вернуть все подходящие файлы
	Force bool
	// Heartbeat вызывается не реже HeartbeatInterval во время обхода
	Heartbeat func()
	// HeartbeatInterval — минимальный интервал между вызовами Heartbeat
	HeartbeatInterval time.Duration
}

// Result — итог обхода mount.
type Result struct {
	// Candidates — файлы для find-or-create, в порядке обхода
	Candidates []model.FileCandidate
	// TotalSeen — всего подходящих файлов в mount (включая известные)
	TotalSeen int
	// Skipped — известных файлов пропущено
	Skipped int
}

// Scanner обходит каталоги mount.
type Scanner struct {
	logger *slog.Logger
}

// New создаёт сканер.
func New(logger *slog.Logger) *Scanner {
	return &Scanner{logger: logger.With(slog.String("component", "scanner"))}
}

// Scan обходит корневой каталог mount и возвращает кандидатов на
// индексацию. Отсутствующий корень создаётся, а не считается ошибкой:
// пустой mount — валидное состояние тома до первой загрузки файлов.
// Любая другая ошибка файловой системы во время обхода возвращается
// вызывающему: результат либо полный, либо его нет. Пути кандидатов
// относительны корня mount.
func (s *Scanner) Scan(ctx context.Context, root string, opts Options) (*Result, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		s.logger.Info("Корневой каталог mount отсутствует, создаём", slog.String("root", root))
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("ошибка создания корневого каталога %s: %w", root, err)
		}
	}

	extensions := make(map[string]struct{}, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		extensions[strings.ToLower(ext)] = struct{}{}
	}

	result := &Result{}
	lastBeat := time.Now()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Ошибка файловой системы срывает обход: частичный результат
			// выглядел бы как успешное сканирование с усечённым mount
			return fmt.Errorf("ошибка доступа к %s: %w", path, err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if opts.Heartbeat != nil && opts.HeartbeatInterval > 0 && time.Since(lastBeat) >= opts.HeartbeatInterval {
			opts.Heartbeat()
			lastBeat = time.Now()
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("ошибка вычисления относительного пути %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		if matchIgnore(opts.Ignore, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := extensions[ext]; !ok {
			return nil
		}

		result.TotalSeen++

		directory := filepath.ToSlash(filepath.Dir(rel))
		if directory == "." {
			directory = ""
		}
		if !opts.Force {
			if _, known := opts.Known[KnownKey(directory, d.Name())]; known {
				result.Skipped++
				return nil
			}
		}

		result.Candidates = append(result.Candidates, model.FileCandidate{
			Directory: directory,
			Filename:  d.Name(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка обхода mount %s: %w", root, err)
	}

	s.logger.Info("Обход mount завершён",
		slog.String("root", root),
		slog.Int("total_seen", result.TotalSeen),
		slog.Int("candidates", len(result.Candidates)),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// matchIgnore проверяет относительный путь по шаблонам исключения.
func matchIgnore(patterns []string, rel string) bool {
	for _, p := range patterns {
		ok, err := doublestar.Match(p, rel)
		if err != nil {
			// Некорректный шаблон считается несовпавшим
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// KnownKey возвращает ключ известного пути для Options.Known.
// Формат совпадает с ключами IndexRecordRepository.KnownPaths.
func KnownKey(directory, filename string) string {
	if directory == "" {
		return filename
	}
	return directory + "/" + filename
}
