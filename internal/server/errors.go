package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/customgpt/internal/proxy"
	"github.com/zulandar/customgpt/internal/store"
)

// Error codes carried in the error field of failed responses.
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeDBUnavailable   = "DB_UNAVAILABLE"
	CodeChatNotFound    = "CHAT_NOT_FOUND"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
)

// writeError maps err onto a status and an {ok:false} body and aborts.
// Unclassified store errors surface as 503 with the error text.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if code == "" {
		code = err.Error()
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{
		"ok":      false,
		"error":   code,
		"message": err.Error(),
	})
}

func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, CodePayloadTooLarge
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, proxy.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, store.ErrChatNotFound):
		return http.StatusNotFound, CodeChatNotFound
	case errors.Is(err, store.ErrDBUnavailable):
		return http.StatusServiceUnavailable, CodeDBUnavailable
	}
	return http.StatusServiceUnavailable, ""
}
