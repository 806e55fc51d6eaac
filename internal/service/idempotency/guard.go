package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// DefaultTTL задаёт срок хранения ответа по ключу.
const DefaultTTL = 24 * time.Hour

// Replay хранит сохранённый ответ для повторного запроса.
type Replay struct {
	StatusCode int
	Body       []byte
}

// Guard регистрирует ключ перед выполнением запроса и сохраняет ответ после.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency")
	}
	return &Guard{repo: repo, ttl: ttl, logger: logger, now: time.Now}
}

// HashRequest строит отпечаток запроса: метод, путь и тело.
// Вызывающий входит в сам ключ, поэтому в отпечаток не добавляется.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin резервирует ключ вызывающего. Если запрос с этим ключом уже завершён, возвращает
// сохранённый ответ. Ключ с другим телом и ключ в обработке дают ErrConflict.
func (g *Guard) Begin(ctx context.Context, subject, key, requestHash string) (*Replay, error) {
	scoped, err := domain.NewIdempotencyKey(subject, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	record, err := g.repo.CreateProcessing(ctx, scoped, requestHash, g.now().UTC().Add(g.ttl))
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, domain.ErrIdempotencyRequestHashRequired):
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return nil, fmt.Errorf("%w: idempotency key is already used with a different request", domain.ErrConflict)
	case !domain.IsIdempotencyConflict(err):
		return nil, err
	}

	switch {
	case record.Status.Replayable():
		return &Replay{StatusCode: record.HTTPStatus, Body: record.ResponseBody}, nil
	case record.Status == domain.IdempotencyStatusProcessing:
		return nil, fmt.Errorf("%w: request with the same idempotency key is still processing", domain.ErrConflict)
	default:
		return nil, fmt.Errorf("unknown idempotency record status %q", record.Status)
	}
}

// Complete сохраняет ответ. Коды 2xx помечаются done, остальные failed.
func (g *Guard) Complete(ctx context.Context, subject, key string, statusCode int, body []byte) {
	scoped, err := domain.NewIdempotencyKey(subject, key)
	if err != nil {
		g.logger.WithError(err).Warn("skipping idempotent response with invalid key")
		return
	}

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		err = g.repo.MarkDone(ctx, scoped, body, statusCode)
	} else {
		err = g.repo.MarkFailed(ctx, scoped, body, statusCode)
	}
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", scoped.String()).Warn("failed to store idempotent response")
	}
}
