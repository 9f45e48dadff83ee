package domain

import (
	"context"
	"time"
)

// JobStatus — состояние задачи в очереди.
type JobStatus string

const (
	// JobStatusPending — задача ждёт воркера.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing — задача захвачена воркером, лиза активна.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusDone — задача успешно обработана, терминальное состояние.
	JobStatusDone JobStatus = "done"
	// JobStatusFailed — задача исчерпала попытки, терминальное состояние.
	JobStatusFailed JobStatus = "failed"
)

// Job — единица работы конвейера, оборачивающая один ContentItem.
type Job struct {
	ID             string
	Status         JobStatus
	FilePath       string
	Item           ContentItem
	RetryOf        string
	Attempts       int
	ClaimedBy      string
	LeaseExpiresAt *time.Time
	FencingToken   int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobNotice — уведомление транспорта о появлении задачи. Источником истины
// остаётся таблица очереди: потеря уведомления чинится опросным обходом
// воркеров, дубль уведомления безвреден из-за атомарного захвата.
type JobNotice struct {
	JobID string `json:"job_id"`
}

// JobAckFunc подтверждает обработку уведомления или возвращает его в транспорт.
type JobAckFunc func(success bool) error

// JobTransport доставляет уведомления о новых задачах воркерам.
type JobTransport interface {
	Publish(ctx context.Context, notice JobNotice) error
	Receive(ctx context.Context) (JobNotice, JobAckFunc, error)
}

// ReclaimResult — итог обхода просроченных лиз.
type ReclaimResult struct {
	// Requeued — количество задач, возвращённых в pending.
	Requeued int
	// Exhausted — задачи, переведённые в failed из-за исчерпания попыток.
	Exhausted []Job
}
