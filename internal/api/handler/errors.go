package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

type ErrorCode string

const (
	CodeValidation ErrorCode = "VALIDATION_FAILED"
	CodeNotFound   ErrorCode = "NOT_FOUND"
	CodeConflict   ErrorCode = "CONFLICT"
	CodeBusy       ErrorCode = "BUSY"
	CodeTooLarge   ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeInternal   ErrorCode = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func WriteError(w http.ResponseWriter, err error, logger *logger.Logger) {
	status, response := mapError(err)

	if status < http.StatusInternalServerError {
		logger.Warn("domain error",
			"error", err.Error(),
			"code", response.Error.Code,
		)
	} else {
		logger.Error("unexpected error",
			"error", err.Error(),
		)
	}

	writeJSON(w, status, response, logger)
}

func mapError(err error) (int, ErrorResponse) {
	detail := func(code ErrorCode) ErrorResponse {
		return ErrorResponse{Error: ErrorDetail{Code: code, Message: err.Error()}}
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, detail(CodeValidation)

	case errors.Is(err, domain.ErrRecordNotFound):
		return http.StatusNotFound, detail(CodeNotFound)

	case domain.IsConflict(err), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, detail(CodeConflict)

	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrPoolClosed):
		return http.StatusServiceUnavailable, detail(CodeBusy)

	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    CodeInternal,
				Message: "internal server error",
			},
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
