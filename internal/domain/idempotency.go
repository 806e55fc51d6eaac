package domain

import (
	"strings"
	"time"
)

// MaxIdempotencyKeyLength ограничивает длину значения заголовка Idempotency-Key.
const MaxIdempotencyKeyLength = 255

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing: заказ по ключу ещё создаётся.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: заказ создан, ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: создание отклонено, сохранён ответ с ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Replayable сообщает, есть ли у записи сохранённый ответ для повтора.
func (s IdempotencyStatus) Replayable() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyKey привязывает клиентский ключ к вызывающему: одинаковые
// значения у разных пользователей не пересекаются.
type IdempotencyKey struct {
	Subject string
	Value   string
}

// NewIdempotencyKey нормализует ключ и проверяет его.
func NewIdempotencyKey(subject, value string) (IdempotencyKey, error) {
	key := IdempotencyKey{Subject: strings.TrimSpace(subject), Value: strings.TrimSpace(value)}
	return key, key.Validate()
}

func (k IdempotencyKey) Validate() error {
	switch {
	case k.Value == "":
		return ErrIdempotencyKeyRequired
	case len(k.Value) > MaxIdempotencyKeyLength:
		return ErrIdempotencyKeyTooLong
	case k.Subject == "":
		return ErrIdempotencySubjectRequired
	}
	return nil
}

func (k IdempotencyKey) String() string {
	return k.Subject + "/" + k.Value
}

// IdempotencyRecord хранит ответ на POST /v1/orders по ключу вызывающего.
type IdempotencyRecord struct {
	Key          IdempotencyKey
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired истинно, когда срок хранения истёк: такой ключ можно занять заново
// ещё до того, как его удалит очистка.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}
