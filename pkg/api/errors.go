package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/narrativelab/threadscope/pkg/services"
	"github.com/narrativelab/threadscope/pkg/store"
)

// mapStoreNotFound lifts a raw store miss to the service-level sentinel so
// the response mapper sees one vocabulary.
func mapStoreNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return services.ErrNotFound
	}
	return err
}

// errorBody is the uniform error response: {detail, dev_context?}.
type errorBody struct {
	Detail     string `json:"detail"`
	DevContext any    `json:"dev_context,omitempty"`
}

// respondError writes the error body, attaching dev context only in dev mode.
func (s *Server) respondError(c *gin.Context, status int, detail string, devContext any) {
	body := errorBody{Detail: detail}
	if s.cfg.DevMode {
		body.DevContext = devContext
	}
	c.JSON(status, body)
}

// mapServiceError maps service-layer errors to HTTP error responses.
func (s *Server) mapServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		s.respondError(c, http.StatusBadRequest, validErr.Error(), nil)
		return
	}
	if errors.Is(err, services.ErrInvalidInput) {
		s.respondError(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		s.respondError(c, http.StatusNotFound, "resource not found", nil)
		return
	}
	if errors.Is(err, services.ErrConflict) {
		s.respondError(c, http.StatusConflict, err.Error(), nil)
		return
	}

	// Unexpected error
	slog.Error("Unexpected service error", "path", c.FullPath(), "error", err)
	s.respondError(c, http.StatusInternalServerError, "internal server error", gin.H{"error": err.Error()})
}
