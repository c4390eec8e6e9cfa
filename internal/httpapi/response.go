package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaygrid/orchestrator/internal/platform/apierr"
	"github.com/relaygrid/orchestrator/internal/platform/ctxutil"
)

// APIError is the wire shape of an error response.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope wraps APIError with the trace/request identifiers set by
// attachTraceContext, so a caller can correlate a failed call with logs.
type ErrorEnvelope struct {
	Error     APIError `json:"error"`
	TraceID   string   `json:"trace_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// respondError writes status/code/err as an ErrorEnvelope. If err unwraps
// to an *apierr.Error, its own Status and Code take precedence over the
// arguments — callers that already classified an error via apierr.New
// should pass that status/code through unchanged.
func respondError(c *gin.Context, status int, code string, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		status = ae.Status
		if ae.Code != "" {
			code = ae.Code
		}
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	td := ctxutil.GetTraceData(c.Request.Context())
	var traceID, requestID string
	if td != nil {
		traceID = td.TraceID
		requestID = td.RequestID
	}

	c.JSON(status, ErrorEnvelope{
		Error:     APIError{Message: msg, Code: code},
		TraceID:   traceID,
		RequestID: requestID,
	})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
