package domain

import "time"

// DeadLetterEntry — снимок невосстановимо упавшей задачи. Запись живёт до
// явного подтверждения: ResolvedAt остаётся пустым, пока оператор или
// автоматический повтор не закроют инцидент.
type DeadLetterEntry struct {
	ID            int64
	OriginalJobID string
	FilePath      string
	ErrorMessage  string
	ErrorType     FailureKind
	Payload       []byte
	FailedAt      time.Time
	RetryCount    int
	LastRetryAt   *time.Time
	ResolvedAt    *time.Time
}

// DeadLetterSummary — количество неразрешённых записей по виду сбоя.
type DeadLetterSummary struct {
	ErrorType FailureKind `json:"error_type"`
	Count     int64       `json:"count"`
}
