// Пакет model — доменные модели каталога Fonoteka.
//
// Связи между сущностями разрешаются по идентификаторам через репозитории
// (arena-style), без встроенных обратных ссылок: IndexRecord хранит ReportID,
// IndexReport хранит IndexID, но ни одна структура не содержит указатель
// на другую.
package model

import (
	"time"
)

// MountStatus — операционный статус точки монтирования.
type MountStatus string

const (
	// MountStatusOK — mount доступен, сканирование не выполняется.
	MountStatusOK MountStatus = "ok"
	// MountStatusIndexing — выполняется сканирование mount.
	MountStatusIndexing MountStatus = "indexing"
	// MountStatusError — последнее сканирование завершилось ошибкой.
	MountStatusError MountStatus = "error"
)

// Mount — именованный корневой каталог на томе хранения,
// сканируемый на наличие аудиофайлов. Принадлежит bucket
// (логической группе mount одного физического узла).
type Mount struct {
	ID        string
	Name      string
	Path      string
	Status    MountStatus
	BucketID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IndexStatus — статус жизненного цикла записи каталога.
// Допустимые переходы определяет пакет lifecycle.
type IndexStatus string

const (
	// StatusPreparing — файл зарегистрирован, обработка не начата.
	StatusPreparing IndexStatus = "preparing"
	// StatusProcessing — файл обрабатывается воркером.
	StatusProcessing IndexStatus = "processing"
	// StatusOK — обработка успешно завершена.
	StatusOK IndexStatus = "ok"
	// StatusDuplicate — контрольная сумма совпала с другой записью.
	StatusDuplicate IndexStatus = "duplicate"
	// StatusErrored — ошибка обработки (метаданные, транскодирование).
	StatusErrored IndexStatus = "errored"
	// StatusErroredPath — ошибка файловой системы (файл недоступен).
	StatusErroredPath IndexStatus = "errored_path"
	// StatusIgnore — административное исключение, запись не участвует
	// в повторных сканированиях и проверках дубликатов.
	StatusIgnore IndexStatus = "ignore"
)

// IndexRecord — каноническая запись каталога для одного физического файла.
// Кортеж (MountID, Directory, Filename) уникален — обеспечивается
// ограничением уникальности в БД и транзакционным find-or-create.
type IndexRecord struct {
	ID         string
	MountID    string
	Directory  string
	Filename   string
	Size       int64
	Checksum   *string
	Status     IndexStatus
	UploaderID *string
	ReportID   *string
	IndexedAt  time.Time
}

// FileCandidate — кандидат на индексацию, найденный сканером:
// относительный каталог и имя файла внутри mount.
type FileCandidate struct {
	Directory string
	Filename  string
}

// ReportLevel — уровень записи отчёта обработки.
type ReportLevel string

const (
	LevelInfo  ReportLevel = "info"
	LevelWarn  ReportLevel = "warn"
	LevelError ReportLevel = "error"
)

// ReportEntry — одна запись журнала обработки.
type ReportEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     ReportLevel `json:"level"`
	Message   string      `json:"message"`
	Stack     string      `json:"stack,omitempty"`
}

// IndexReport — append-only журнал обработки одной записи каталога.
// Принадлежит ровно одной IndexRecord, мутируется только добавлением записей.
type IndexReport struct {
	ID      string
	IndexID string
	Entries []ReportEntry
}

// EntityKind — вид общей справочной сущности.
type EntityKind string

const (
	KindArtist      EntityKind = "artist"
	KindLabel       EntityKind = "label"
	KindGenre       EntityKind = "genre"
	KindPublisher   EntityKind = "publisher"
	KindDistributor EntityKind = "distributor"
	KindArtwork     EntityKind = "artwork"
)

// Entity — общая справочная сущность, создаваемая по имени.
// Кортеж (Kind, Name) уникален; создание сериализуется распределённой
// блокировкой, поэтому два воркера, одновременно обнаружившие новое имя,
// получают одну и ту же строку.
type Entity struct {
	ID        string
	Kind      EntityKind
	Name      string
	CreatedAt time.Time
}

// EntityRef — типизированная ссылка на сущность: либо идентификатор,
// либо уже разрешённая сущность. Разрешается на границе (EntityService),
// а не duck-typing в глубине кода.
type EntityRef struct {
	id     string
	entity *Entity
}

// RefByID создаёт ссылку по идентификатору.
func RefByID(id string) EntityRef {
	return EntityRef{id: id}
}

// RefByEntity создаёт ссылку на разрешённую сущность.
func RefByEntity(e *Entity) EntityRef {
	return EntityRef{entity: e}
}

// ID возвращает идентификатор сущности независимо от варианта ссылки.
func (r EntityRef) ID() string {
	if r.entity != nil {
		return r.entity.ID
	}
	return r.id
}

// Entity возвращает разрешённую сущность или nil, если ссылка по ID.
func (r EntityRef) Entity() *Entity {
	return r.entity
}

// IsResolved сообщает, содержит ли ссылка разрешённую сущность.
func (r EntityRef) IsResolved() bool {
	return r.entity != nil
}

// JobKind — вид задачи очереди.
type JobKind string

const (
	// JobScan — сканирование mount.
	JobScan JobKind = "scan"
	// JobProcess — обработка одной записи каталога.
	JobProcess JobKind = "process"
)

// JobState — состояние задачи в очереди.
type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
)

// Job — единица работы очереди. ID детерминированно выводится из цели
// задачи (scan:{mountID}, process:{indexID}), что даёт дедупликацию:
// повторная постановка той же логической работы игнорируется, пока
// задача в полёте.
type Job struct {
	ID          string
	Kind        JobKind
	Payload     []byte
	State       JobState
	Attempts    int
	HeartbeatAt *time.Time
	CreatedAt   time.Time
}

// ScanPayload — полезная нагрузка задачи сканирования.
type ScanPayload struct {
	MountID string `json:"mount_id"`
	Force   bool   `json:"force"`
}

// ProcessPayload — полезная нагрузка задачи обработки записи.
type ProcessPayload struct {
	IndexID string `json:"index_id"`
}

// ScanJobID возвращает детерминированный идентификатор задачи сканирования.
func ScanJobID(mountID string) string {
	return "scan:" + mountID
}

// ProcessJobID возвращает детерминированный идентификатор задачи обработки.
func ProcessJobID(indexID string) string {
	return "process:" + indexID
}

// IndexRecordView — усечённое представление записи для широковещательной
// рассылки клиентам: без реляционных подграфов, только собственные поля.
type IndexRecordView struct {
	ID        string      `json:"id"`
	MountID   string      `json:"mount_id"`
	Directory string      `json:"directory"`
	Filename  string      `json:"filename"`
	Size      int64       `json:"size"`
	Checksum  *string     `json:"checksum,omitempty"`
	Status    IndexStatus `json:"status"`
	IndexedAt time.Time   `json:"indexed_at"`
}

// View возвращает усечённое представление записи.
func (r *IndexRecord) View() IndexRecordView {
	return IndexRecordView{
		ID:        r.ID,
		MountID:   r.MountID,
		Directory: r.Directory,
		Filename:  r.Filename,
		Size:      r.Size,
		Checksum:  r.Checksum,
		Status:    r.Status,
		IndexedAt: r.IndexedAt,
	}
}
