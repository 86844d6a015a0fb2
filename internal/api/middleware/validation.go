package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 1 << 20

// Validator interface for types that can validate themselves.
type Validator interface {
	Validate() error
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResponse represents the error response format.
type ValidationResponse struct {
	Error  string            `json:"error"`
	Code   int               `json:"code"`
	Errors []ValidationError `json:"errors"`
}

// ValidateJSON decodes and validates the request body before calling next.
// T is usually a pointer to a request struct.
func ValidateJSON[T Validator](next func(w http.ResponseWriter, r *http.Request, body T)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body T
		if errs := DecodeJSON(w, r, &body); errs != nil {
			WriteValidationError(w, errs)
			return
		}
		if err := body.Validate(); err != nil {
			WriteValidationError(w, ParseValidationError(err))
			return
		}
		next(w, r, body)
	})
}

// DecodeJSON strictly decodes the request body into dest.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dest any) []ValidationError {
	contentType := r.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		return []ValidationError{{Field: "content-type", Message: "Content-Type must be application/json"}}
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		var (
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
			maxErr    *http.MaxBytesError
		)
		switch {
		case errors.Is(err, io.EOF):
			return []ValidationError{{Field: "body", Message: "request body is required"}}
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return []ValidationError{{Field: "json", Message: "invalid JSON format"}}
		case errors.As(err, &typeErr):
			return []ValidationError{{Field: typeErr.Field, Message: "must be " + typeErr.Type.String()}}
		case errors.As(err, &maxErr):
			return []ValidationError{{Field: "body", Message: fmt.Sprintf("must be at most %d bytes", maxErr.Limit)}}
		case strings.Contains(err.Error(), "unknown field"):
			return []ValidationError{{Field: extractFieldFromError(err.Error()), Message: "unknown field"}}
		default:
			return []ValidationError{{Field: "json", Message: "failed to parse JSON: " + err.Error()}}
		}
	}
	if decoder.More() {
		return []ValidationError{{Field: "json", Message: "body must contain a single JSON object"}}
	}
	return nil
}

// ValidateQueryParams creates middleware that validates query parameters.
func ValidateQueryParams(validator func(*http.Request) []ValidationError) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if errs := validator(r); len(errs) > 0 {
				WriteValidationError(w, errs)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseValidationError turns "field: message" errors into field errors.
// A leading "validation failed: " from the domain is dropped.
func ParseValidationError(err error) []ValidationError {
	msg := strings.TrimPrefix(err.Error(), "validation failed: ")

	field, message, ok := strings.Cut(msg, ":")
	field = strings.TrimSpace(field)
	if !ok || field == "" || strings.Contains(field, " ") {
		return []ValidationError{{Field: "general", Message: msg}}
	}
	return []ValidationError{{Field: field, Message: strings.TrimSpace(message)}}
}

// extractFieldFromError extracts field name from JSON unknown field error.
func extractFieldFromError(errorMsg string) string {
	// json: unknown field "invalidField"
	start := strings.Index(errorMsg, `"`)
	if start != -1 {
		end := strings.Index(errorMsg[start+1:], `"`)
		if end != -1 {
			return errorMsg[start+1 : start+1+end]
		}
	}
	return "unknown"
}

// WriteValidationError writes a 422 Unprocessable Entity response with validation errors.
func WriteValidationError(w http.ResponseWriter, errs []ValidationError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)

	_ = json.NewEncoder(w).Encode(ValidationResponse{
		Error:  "validation failed",
		Code:   http.StatusUnprocessableEntity,
		Errors: errs,
	})
}

// ValidateContentType creates middleware that validates request content type.
func ValidateContentType(expectedType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Content-Type"), expectedType) {
				WriteValidationError(w, []ValidationError{{
					Field:   "content-type",
					Message: fmt.Sprintf("Content-Type must be %s", expectedType),
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
