package crm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrNoPendingVerification is returned by VerifyCode when no login is
// waiting for a two-factor code.
var ErrNoPendingVerification = errors.New("no pending verification, please login again")

// APIError is a failure reported by the CRM: a non-2xx response, or a 2xx
// response whose body says the operation did not succeed.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("crm request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("crm request failed with status %d: %s", e.StatusCode, e.Message)
}

// newAPIError builds an APIError from a response body, picking up the
// CRM's "message" field when there is one.
func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return &APIError{StatusCode: status, Message: payload.Message}
	}
	return &APIError{StatusCode: status, Message: http.StatusText(status)}
}

// ValidationError reports input rejected before any request was sent.
// Fields maps the JSON field name to a human-readable reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Message returns the reason for the first failing field, for display.
func (e *ValidationError) Message() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	if len(names) == 0 {
		return "Invalid input"
	}
	sort.Strings(names)
	return e.Fields[names[0]]
}
