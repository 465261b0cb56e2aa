// node.go — координационный узел распределённой блокировки.
//
// Узел хранит состояние именованных блокировок и отвечает на операции
// acquire/extend/release. Продакшен-реализация FileNode хранит состояние
// блокировки в JSON-файле на своей директории (каждый узел — отдельная
// директория, в развёртывании — отдельный том): атомарная запись через
// temp файл → rename. Упавший держатель не освобождает блокировку явно —
// она истекает по expires_at.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Ошибки координационного узла.
var (
	// ErrHeld — блокировка удерживается другим владельцем и не истекла.
	ErrHeld = errors.New("блокировка удерживается другим владельцем")
	// ErrNotHeld — блокировка не удерживается указанным токеном.
	ErrNotHeld = errors.New("блокировка не удерживается этим токеном")
)

// Node — один координационный узел. Операции должны быть независимы
// между узлами: недоступность меньшинства узлов не нарушает кворум.
type Node interface {
	// Acquire захватывает именованную блокировку для токена.
	// Возвращает ErrHeld, если блокировка занята и не истекла.
	Acquire(name, token, fingerprint string, ttl time.Duration) error
	// Extend продлевает блокировку, удерживаемую токеном.
	Extend(name, token string, ttl time.Duration) error
	// Release освобождает блокировку, удерживаемую токеном.
	Release(name, token string) error
}

// lockState — состояние одной именованной блокировки на узле.
type lockState struct {
	Token       string    `json:"token"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// FileNode — координационный узел на файловой системе.
// Потокобезопасен внутри процесса; межпроцессная атомарность
// обеспечивается записью temp файл → rename.
type FileNode struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileNode создаёт узел в директории dir (создаётся при отсутствии).
func NewFileNode(dir string) (*FileNode, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию узла %s: %w", dir, err)
	}
	return &FileNode{dir: dir, now: time.Now}, nil
}

func (n *FileNode) Acquire(name, token, fingerprint string, ttl time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	state, err := n.read(name)
	if err != nil {
		return err
	}

	// Занята живым чужим токеном — отказ
	if state != nil && state.Token != token && n.now().Before(state.ExpiresAt) {
		return ErrHeld
	}

	return n.write(name, &lockState{
		Token:       token,
		Fingerprint: fingerprint,
		ExpiresAt:   n.now().Add(ttl),
	})
}

func (n *FileNode) Extend(name, token string, ttl time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	state, err := n.read(name)
	if err != nil {
		return err
	}

	if state == nil || state.Token != token || !n.now().Before(state.ExpiresAt) {
		return ErrNotHeld
	}

	state.ExpiresAt = n.now().Add(ttl)
	return n.write(name, state)
}

func (n *FileNode) Release(name, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	state, err := n.read(name)
	if err != nil {
		return err
	}

	if state == nil || state.Token != token {
		return ErrNotHeld
	}

	if err := os.Remove(n.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка освобождения блокировки %s: %w", name, err)
	}
	return nil
}

// path возвращает путь файла состояния блокировки.
// Имя блокировки может содержать разделители (entity:artist:Name) —
// экранируем их.
func (n *FileNode) path(name string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	return filepath.Join(n.dir, safe+".lock")
}

// read читает состояние блокировки. nil без ошибки — блокировки нет.
func (n *FileNode) read(name string) (*lockState, error) {
	data, err := os.ReadFile(n.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения состояния блокировки %s: %w", name, err)
	}

	state := &lockState{}
	if err := json.Unmarshal(data, state); err != nil {
		// Повреждённое состояние трактуется как отсутствие блокировки
		return nil, nil
	}
	return state, nil
}

// write атомарно записывает состояние блокировки (temp файл → rename).
func (n *FileNode) write(name string, state *lockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("ошибка сериализации состояния блокировки: %w", err)
	}

	path := n.path(name)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		return fmt.Errorf("ошибка записи temp состояния блокировки: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("ошибка переименования состояния блокировки: %w", err)
	}
	return nil
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ Node = (*FileNode)(nil)
