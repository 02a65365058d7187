package errors

import (
	"net/http"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
)

// Error is an API error carrying the HTTP status it maps to.
type Error struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *Error) Error() string {
	return e.Message
}

func New(message string, status int) *Error {
	return &Error{Message: message, Status: status}
}

var (
	ErrInternalServerError = New("internal server error", http.StatusInternalServerError)
	ErrUnauthorized        = New("unauthorized", http.StatusUnauthorized)
	ErrNotFound            = New("resource not found", http.StatusNotFound)
	ErrBadRequest          = New("bad request", http.StatusBadRequest)
	ErrTooManyRequests     = New("too many requests, try again later", http.StatusTooManyRequests)

	ErrEmptyMessage    = New("message content cannot be empty", http.StatusBadRequest)
	ErrInvalidReceiver = New("invalid message receiver", http.StatusBadRequest)
	ErrNotParticipant  = New("user is not a participant of this conversation", http.StatusForbidden)
)

// Status returns the HTTP status for err, looking through wrapped errors.
// Errors that are not *Error map to 500.
func Status(err error) int {
	var e *Error
	if pkgerrors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// ErrorHandler is used by the rate limiter when a client exceeds its quota.
func ErrorHandler(c *gin.Context, info ratelimit.Info) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"message":   ErrTooManyRequests.Message,
		"errors":    ErrTooManyRequests.Message,
		"status":    http.StatusText(http.StatusTooManyRequests),
		"retry_in":  time.Until(info.ResetTime).Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
