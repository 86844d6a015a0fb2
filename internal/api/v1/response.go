package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/api/middleware"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/mpesa"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// listResponse is the envelope for paged collections.
type listResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func newList[T any](items []T, total, limit, offset int) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: total, Limit: limit, Offset: offset}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.Warn("failed to encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: status})
}

// writeServiceError maps service errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var apiErr *mpesa.APIError
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotEligible):
		middleware.WriteValidationError(w, middleware.ParseValidationError(err))
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, utils.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "payment gateway temporarily unavailable")
	case errors.As(err, &apiErr), errors.Is(err, mpesa.ErrRejected):
		utils.Warn("payment gateway error",
			"request_id", utils.RequestIDFrom(req.Context()),
			"path", req.URL.Path,
			"error", err.Error(),
		)
		writeError(w, http.StatusBadGateway, "payment gateway error")
	default:
		utils.Error("request failed",
			"request_id", utils.RequestIDFrom(req.Context()),
			"method", req.Method,
			"path", req.URL.Path,
			"error", err.Error(),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// pathID parses the {id} path segment, writing a 400 when it is malformed.
func pathID(w http.ResponseWriter, req *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id format")
		return uuid.Nil, false
	}
	return id, true
}

// query collects query parameter parse errors so a handler can report all
// of them at once.
type query struct {
	req  *http.Request
	errs []middleware.ValidationError
}

func newQuery(req *http.Request) *query {
	return &query{req: req}
}

func (q *query) fail(field, message string) {
	q.errs = append(q.errs, middleware.ValidationError{Field: field, Message: message})
}

func (q *query) get(name string) string {
	return q.req.URL.Query().Get(name)
}

func (q *query) optional(name string) *string {
	v := q.get(name)
	if v == "" {
		return nil
	}
	return &v
}

func (q *query) intIn(name string, def, min, max int) int {
	raw := q.get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		q.fail(name, fmt.Sprintf("must be an integer between %d and %d", min, max))
		return def
	}
	return v
}

// page reads limit and offset.
func (q *query) page() (limit, offset int) {
	return q.intIn("limit", defaultPageSize, 1, maxPageSize), q.intIn("offset", 0, 0, 1<<31-1)
}

func (q *query) id(name string) *uuid.UUID {
	raw := q.get(name)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		q.fail(name, "must be a valid uuid")
		return nil
	}
	return &id
}

func (q *query) flag(name string) bool {
	raw := q.get(name)
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		q.fail(name, "must be true or false")
	}
	return v
}

// date accepts RFC 3339 timestamps or plain YYYY-MM-DD dates.
func (q *query) date(name string) *time.Time {
	raw := q.get(name)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	q.fail(name, "must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
	return nil
}

// ok writes the collected errors as a 422 and reports whether there were none.
func (q *query) ok(w http.ResponseWriter) bool {
	if len(q.errs) == 0 {
		return true
	}
	middleware.WriteValidationError(w, q.errs)
	return false
}

func loanStatusParam(q *query) *domain.LoanStatus {
	raw := q.get("status")
	if raw == "" {
		return nil
	}
	s := domain.LoanStatus(raw)
	if !s.Valid() {
		q.fail("status", "unknown loan status")
		return nil
	}
	return &s
}

func grantStatusParam(q *query) *domain.GrantStatus {
	raw := q.get("status")
	if raw == "" {
		return nil
	}
	s := domain.GrantStatus(raw)
	if !s.Valid() {
		q.fail("status", "unknown grant status")
		return nil
	}
	return &s
}

func guarantorStatusParam(q *query) *domain.GuarantorStatus {
	raw := q.get("status")
	if raw == "" {
		return nil
	}
	s := domain.GuarantorStatus(raw)
	switch s {
	case domain.GuarantorPending, domain.GuarantorAccepted, domain.GuarantorDeclined, domain.GuarantorReleased:
		return &s
	}
	q.fail("status", "unknown guarantor status")
	return nil
}
