package rest

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

// writeError maps err onto the envelope. AppErrors keep their status and
// code; anything else is an internal error whose message is not exposed.
func (h *BaseHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := h.describe(r.Context(), err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	h.writeJSON(w, status, ResponseEnvelope{Error: body, Meta: h.meta(r)})
}

func (h *BaseHandler) describe(ctx context.Context, err error) (int, *ErrorResponse) {
	body := &ErrorResponse{}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		body.TraceID = sc.TraceID().String()
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		body.Code, body.Message = "REQUEST_TIMEOUT", "request timed out"
		return http.StatusGatewayTimeout, body
	case stderrors.Is(err, context.Canceled):
		body.Code, body.Message = "REQUEST_CANCELED", "request was canceled"
		return http.StatusRequestTimeout, body
	}

	appErr, ok := errors.As(err)
	if !ok {
		body.Code, body.Message = errors.CodeInternal, "an internal error occurred"
		return http.StatusInternalServerError, body
	}

	body.Code = appErr.Code
	body.Message = appErr.Message
	if appErr.Type == errors.ErrorTypeInternal || appErr.Type == errors.ErrorTypeExternal {
		body.Message = "an internal error occurred"
	}
	if fields, ok := appErr.Details["fields"].(map[string]interface{}); ok {
		body.Fields = make(map[string]string, len(fields))
		for k, v := range fields {
			if s, ok := v.(string); ok {
				body.Fields[k] = s
			}
		}
	} else if len(appErr.Details) > 0 && appErr.Type != errors.ErrorTypeInternal {
		body.Metadata = appErr.Details
	}
	if appErr.RightsAffecting {
		if body.Metadata == nil {
			body.Metadata = map[string]interface{}{}
		}
		body.Metadata["rights_affecting"] = true
	}
	if appErr.Retryable && appErr.StatusCode == http.StatusTooManyRequests {
		body.RetryAfter = 1
	}

	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, body
}
