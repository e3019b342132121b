package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/storage"
)

var errBadRequest = errors.New("bad request")

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, call.ErrInvalidRecipient),
		errors.Is(err, call.ErrInvalidCallType):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrNoActiveCall),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrCallActive),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrCancelled),
		errors.Is(err, media.ErrNoVideoTrack),
		errors.Is(err, media.ErrHandleReleased):
		return http.StatusConflict
	case call.IsMediaError(err):
		return http.StatusUnprocessableEntity
	case call.IsNegotiationError(err):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrTransportUnavailable),
		errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var ae *media.AcquisitionError
	if errors.As(err, &ae) {
		body["kind"] = ae.Kind
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}
