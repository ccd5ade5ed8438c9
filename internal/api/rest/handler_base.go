package rest

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
)

const maxBodySize = 1 << 20

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ErrorResponse provides detailed error information
type ErrorResponse struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Fields     map[string]string      `json:"fields,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	RetryAfter int                    `json:"retry_after,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// BaseHandler carries what every handler needs: request decoding and
// validation, the response envelope and error mapping.
type BaseHandler struct {
	validator  *validator.Validate
	tracer     trace.Tracer
	apiVersion string
	clock      clock.Clock
	logger     *zap.Logger
}

func NewBaseHandler(apiVersion string, clk clock.Clock, logger *zap.Logger) *BaseHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	return &BaseHandler{
		validator:  v,
		tracer:     otel.Tracer("api.rest"),
		apiVersion: apiVersion,
		clock:      clk,
		logger:     logger,
	}
}

// handlerFunc returns the status and payload of a successful call.
type handlerFunc func(r *http.Request) (int, interface{}, error)

// Wrap adapts fn to http, adding a span and the envelope.
func (h *BaseHandler) Wrap(name string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "rest."+name,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("handler.name", name),
			))
		defer span.End()

		status, data, err := fn(r.WithContext(ctx))
		if err != nil {
			span.RecordError(err)
			h.writeError(w, r.WithContext(ctx), err)
			return
		}
		h.writeSuccess(w, r, status, data)
	}
}

func (h *BaseHandler) writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	h.writeJSON(w, status, ResponseEnvelope{Success: true, Data: data, Meta: h.meta(r)})
}

func (h *BaseHandler) meta(r *http.Request) ResponseMeta {
	return ResponseMeta{
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: h.clock.Now(),
		Version:   h.apiVersion,
	}
}

func (h *BaseHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// decode reads a JSON body into dst and validates it.
func (h *BaseHandler) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.NewValidationError(errors.CodeInvalidInput, "request body is required")
		}
		return errors.NewValidationError(errors.CodeInvalidInput, "request body is not valid JSON").WithCause(err)
	}
	return h.validate(dst)
}

func (h *BaseHandler) validate(v interface{}) error {
	err := h.validator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.NewValidationError(errors.CodeInvalidInput, "request is invalid").WithCause(err)
	}
	fields := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describeFieldError(fe)
	}
	return errors.NewValidationError(errors.CodeInvalidInput, "request failed validation").WithDetails(map[string]interface{}{
		"fields": fields,
	})
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "is required"
	case "email":
		return "must be an email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "ip":
		return "must be an IP address"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// pathID parses a UUID URL parameter.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("%s is not a valid id", name))
	}
	return id, nil
}

func queryID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("%s is not a valid id", name))
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > max {
		return 0, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("%s must be an integer between 0 and %d", name, max))
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("%s must be an RFC 3339 timestamp", name))
	}
	return t.UTC(), nil
}
