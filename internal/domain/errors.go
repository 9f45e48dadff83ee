package domain

import (
	"errors"
	"fmt"
)

// ErrDuplicateContent возвращается, когда пара (content_id, alliance) уже обработана.
// Это штатный исход, а не сбой: вызывающий код молча пропускает элемент и метит счётчик.
var ErrDuplicateContent = errors.New("контент уже обработан")

// ErrLeaseLost возвращается при попытке зафиксировать задачу после истечения лизы:
// задача уже возвращена в очередь обходом, коммит опоздавшего воркера отклонён.
var ErrLeaseLost = errors.New("лиза задачи истекла, фиксация отклонена")

// ErrQueueSaturated возвращается приёмным слоем при превышении глубины очереди.
var ErrQueueSaturated = errors.New("очередь задач переполнена")

// ErrContentRejected возвращается фильтром качества для непригодного контента.
var ErrContentRejected = errors.New("контент не прошёл фильтр качества")

// ErrJobNotFound возвращается, когда задача с указанным идентификатором отсутствует.
var ErrJobNotFound = errors.New("задача не найдена")

// ErrPredictionNotFound возвращается при запросе несуществующего прогноза.
var ErrPredictionNotFound = errors.New("прогноз не найден")

// ErrDeadLetterNotFound возвращается при операциях над несуществующей записью карантина.
var ErrDeadLetterNotFound = errors.New("запись карантина не найдена")

// ErrScorerUnavailable возвращается, когда предохранитель модели разомкнут.
var ErrScorerUnavailable = errors.New("модель тональности недоступна")

// FailureKind — закрытая классификация сбоев обработки. Значения совпадают
// с колонкой error_type таблицы карантина.
type FailureKind string

const (
	// FailureParse — payload не разбирается; повторы бессмысленны.
	FailureParse FailureKind = "parse"
	// FailureInference — модель отклонила вход или вернула некорректный ответ.
	FailureInference FailureKind = "inference"
	// FailurePersistence — ошибка хранилища; немедленный повтор уместен.
	FailurePersistence FailureKind = "persistence"
	// FailureNetwork — модель или брокер недоступны.
	FailureNetwork FailureKind = "network"
)

// Retryable сообщает, имеет ли смысл локальный повтор для данного вида сбоя.
func (k FailureKind) Retryable() bool {
	return k != FailureParse
}

// ProcessingError связывает вид сбоя с исходной причиной. Вид участвует в
// маршрутизации (повтор или карантин), причина сохраняется для диагностики.
type ProcessingError struct {
	Kind FailureKind
	Err  error
}

// NewProcessingError оборачивает причину в классифицированный сбой.
func NewProcessingError(kind FailureKind, err error) *ProcessingError {
	return &ProcessingError{Kind: kind, Err: err}
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("сбой обработки: %s", e.Kind)
	}
	return fmt.Sprintf("сбой обработки (%s): %v", e.Kind, e.Err)
}

// Unwrap возвращает исходную причину.
func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// ClassifyFailure извлекает вид сбоя из цепочки ошибок.
// Неклассифицированные ошибки считаются сетевыми: это самый безопасный
// вид для повтора.
func ClassifyFailure(err error) FailureKind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return FailureNetwork
}
