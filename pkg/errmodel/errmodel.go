package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryValidation = "validation"
	CategorySource     = "source"
	CategoryModel      = "model"
	CategoryPersist    = "persist"
	CategorySystem     = "system"
)

// Codes used across the pipeline.
const (
	CodeNotFound            = "not_found"
	CodeSourceUnavailable   = "source_unavailable"
	CodeProviderFailure     = "provider_failure"
	CodeProviderTimeout     = "provider_timeout"
	CodeProviderRateLimited = "provider_rate_limited"
	CodePromptTooLarge      = "prompt_too_large"
	CodePersistFailure      = "persist_failure"
	CodeStaleWatermark      = "stale_watermark"
)

// Error is the compact error used internally and rendered by the read API.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the first cause so errors.Is/As see through the compact error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		if ce.cause == nil {
			ce.cause = c
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512), cause: err}
}

// Convenience constructors.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func NotFound(message string) *Error {
	return New(CategoryValidation, CodeNotFound, message, nil)
}

func Source(message string, ctx map[string]any, cause error) *Error {
	return New(CategorySource, CodeSourceUnavailable, message, ctx, cause)
}

func Model(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryModel, code, message, ctx, cause)
}

func Persist(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategoryPersist, code, message, ctx, cause)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	return New(CategorySystem, code, message, ctx, cause)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case CodeNotFound:
			return http.StatusNotFound
		case "conflict":
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case CategorySource, CategoryPersist:
		return http.StatusServiceUnavailable
	case CategoryModel:
		return http.StatusBadGateway
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// TraceID returns the trace id of the span carried by r, or "".
func TraceID(r *http.Request) string {
	if r == nil {
		return ""
	}
	sc := trace.SpanFromContext(r.Context()).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// WriteHTTP writes a {"detail": message} envelope. The trace id, when present,
// travels in the X-Trace-Id header so the body shape stays fixed.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	if id := TraceID(r); id != "" {
		w.Header().Set("X-Trace-Id", id)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	detail := ce.Message
	if status >= http.StatusInternalServerError {
		// internal causes stay in the logs
		detail = http.StatusText(status)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"detail": detail})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	suffix := "..."
	if max <= len(suffix) {
		suffix = ""
	}
	cut := max - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		case int, int64, float64, bool:
			out[k] = t
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// HasCode checks if err carries a specific code.
func HasCode(err error, code string) bool {
	ce := From(err)
	return ce != nil && ce.Code == code
}
