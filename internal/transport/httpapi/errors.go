package httpapi

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// ErrorResponse описывает тело ответа с ошибкой.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusFor сопоставляет класс доменной ошибки HTTP-коду.
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidOrder:
		return http.StatusUnprocessableEntity
	case domain.KindInvalidTransition, domain.KindNotCancellable, domain.KindRefundWindowExpired,
		domain.KindAlreadyReviewed, domain.KindConflict:
		return http.StatusConflict
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// encodeError возвращает код и тело для ошибки. Внутренние ошибки не раскрываются клиенту.
func encodeError(err error) (int, []byte) {
	kind := domain.KindOf(err)
	message := err.Error()
	if kind == domain.KindInternal {
		message = "internal error"
	}
	body, _ := json.Marshal(ErrorResponse{Error: string(kind), Message: message})
	return StatusFor(kind), body
}

func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	status, body := encodeError(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("status", status).Error("request failed")
	}
	writeRaw(w, status, body)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	body, _ := json.Marshal(ErrorResponse{Error: code, Message: message})
	writeRaw(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, string(domain.KindInternal), "failed to encode response")
		return
	}
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
