package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/response"
	"github.com/stemsi/exproctor-backend/internal/service"
)

// errorCode maps a service error to its API code and HTTP status.
// ErrAlreadySubmitted wraps ErrInvalidState, so it is checked first.
func errorCode(err error) (response.ErrCode, int) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return response.ErrNotFound, http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return response.ErrForbidden, http.StatusForbidden
	case errors.Is(err, service.ErrSessionBlocked):
		return response.ErrSessionBlocked, http.StatusForbidden
	case errors.Is(err, service.ErrAlreadySubmitted):
		return response.ErrAlreadySubmitted, http.StatusConflict
	case errors.Is(err, service.ErrInvalidState):
		return response.ErrSessionNotActive, http.StatusConflict
	case errors.Is(err, service.ErrAttemptsExhausted):
		return response.ErrAttemptsExhausted, http.StatusTooManyRequests
	case errors.Is(err, service.ErrNotCodingQuestion):
		return response.ErrNotCodingQuestion, http.StatusBadRequest
	case errors.Is(err, service.ErrUnsupportedLanguage):
		return response.ErrUnsupportedLanguage, http.StatusBadRequest
	case errors.Is(err, service.ErrReservedAlertType):
		return response.ErrValidation, http.StatusBadRequest
	case errors.Is(err, model.ErrMalformedAnswer):
		return response.ErrMalformedAnswer, http.StatusBadRequest
	}
	return response.ErrInternal, http.StatusInternalServerError
}

// failFromError writes the error envelope for err. Unexpected errors are
// logged; domain errors are not.
func failFromError(c *gin.Context, log zerolog.Logger, err error, msg string) {
	code, status := errorCode(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	}
	response.Fail(c, status, code)
}

// parseUUIDParam reads a path UUID, writing INVALID_ID on failure.
func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
