package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fotopipe/internal/apperr"
)

// ErrorResponse is the {detail: string} envelope spec.md §6.1 requires on
// every error response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// SendAPIError translates a pipeline error into spec.md §7's taxonomy and
// writes the matching {detail} envelope — the Go rendition of FastAPI's
// HTTPException(detail=...).
func SendAPIError(c *gin.Context, err error) {
	var notFound *apperr.NotFound
	var validation *apperr.Validation
	var upstream *apperr.UpstreamUnavailable

	switch {
	case errors.As(err, &notFound):
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Detail: notFound.Error()})
	case errors.As(err, &validation):
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Detail: validation.Reason})
	case errors.As(err, &upstream):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Detail: upstream.Error()})
	default:
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Detail: "internal server error"})
	}
}

// SendError sends an error response with a specific status code. Kept for
// middleware.Observability's panic recovery, which has no typed error to run
// through SendAPIError's apperr switch.
func SendError(c *gin.Context, code int, message string, err error) {
	if err != nil {
		c.Error(err)
	}
	c.AbortWithStatusJSON(code, ErrorResponse{Detail: message})
}
