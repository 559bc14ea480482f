package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/gin-gonic/gin"
)

// envelope is the body of every response.
type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// requestError is a malformed request body or query, rejected before it
// reaches the ledger.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return "invalid request: " + e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{OK: true, Data: data})
}

// respondError maps err to its status code and error body.
func respondError(c *gin.Context, err error) {
	status, body := describe(err)
	if status >= http.StatusInternalServerError {
		slog.Error("httpapi: request failed",
			"method", c.Request.Method, "path", c.FullPath(), "status", status, "err", err)
	}
	c.AbortWithStatusJSON(status, envelope{OK: false, Error: body})
}

func describe(err error) (int, *apiError) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest, &apiError{Code: "InvalidRequest", Message: reqErr.err.Error()}
	}

	body := &apiError{Code: domain.ErrorCode(err), Message: err.Error()}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		body.Message = ve.Err.Error()
		body.Details = ve.Problems
	}

	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindConflict:
		return http.StatusBadRequest, body
	case domain.KindNotFound:
		return http.StatusNotFound, body
	case domain.KindTransient:
		return http.StatusServiceUnavailable, body
	default:
		// No exponer detalles internos.
		body.Message = "internal error"
		return http.StatusInternalServerError, body
	}
}
