package web

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIError is a structured error response body.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string { return e.Message }

const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

var (
	ErrInvalidRequestBody = &APIError{
		Status:  http.StatusBadRequest,
		Code:    ErrCodeInvalidInput,
		Message: "Invalid request body",
		Details: "The request body could not be parsed or contains invalid data",
	}

	ErrInternalServer = &APIError{
		Status:  http.StatusInternalServerError,
		Code:    ErrCodeInternalError,
		Message: "Internal server error",
	}
)

// RespondWithError writes a structured APIError as the response body.
func RespondWithError(c echo.Context, err *APIError) error {
	return c.JSON(err.Status, err)
}
