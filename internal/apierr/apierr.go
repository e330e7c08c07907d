// Package apierr defines the gateway error taxonomy and the uniform
// JSON envelope every HTTP error is rendered with.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindPolicy      Kind = "policy"
	KindUpstream    Kind = "upstream"
	KindNotFound    Kind = "not_found"
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
)

type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Status    int // HTTP status returned to the caller
	Provider  string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (provider=%s)", e.Code, e.Message, e.Provider)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation marks a malformed or unresolvable request. Never reaches
// the upstream or the ledger.
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg, Status: http.StatusBadRequest}
}

// Policy marks a budget/model/limit violation, resolved locally.
func Policy(code, msg string) *Error {
	return &Error{Kind: KindPolicy, Code: code, Message: msg, Status: http.StatusForbidden}
}

func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg, Status: http.StatusNotFound}
}

// Timeout marks a buffered upstream call that exceeded its deadline.
func Timeout(provider string) *Error {
	return &Error{
		Kind:      KindTimeout,
		Code:      "upstream_timeout",
		Message:   "upstream call exceeded deadline",
		Status:    http.StatusGatewayTimeout,
		Provider:  provider,
		Retryable: true,
	}
}

func RateLimited(msg string) *Error {
	return &Error{
		Kind:      KindRateLimited,
		Code:      "rate_limited",
		Message:   msg,
		Status:    http.StatusTooManyRequests,
		Retryable: true,
	}
}

// Upstream maps a provider HTTP failure to a gateway error. The status
// mirrors the provider's; 401 is classified as auth, 429 and 5xx are
// retryable, remaining 4xx are not.
func Upstream(status int, provider, msg string) *Error {
	e := &Error{
		Kind:     KindUpstream,
		Code:     "upstream_error",
		Message:  msg,
		Status:   status,
		Provider: provider,
	}
	switch {
	case status == http.StatusUnauthorized:
		e.Code = "upstream_auth"
	case status == http.StatusTooManyRequests:
		e.Code = "upstream_rate_limited"
		e.Retryable = true
	case status >= 500:
		e.Retryable = true
	}
	return e
}

// UpstreamTransport wraps a transport-level failure (dial error, reset,
// aborted stream) where no provider status is available.
func UpstreamTransport(provider string, err error) *Error {
	return &Error{
		Kind:      KindUpstream,
		Code:      "upstream_unreachable",
		Message:   err.Error(),
		Status:    http.StatusBadGateway,
		Provider:  provider,
		Retryable: true,
	}
}

// From normalizes an arbitrary error into a gateway *Error.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Kind:    KindUpstream,
		Code:    "upstream_error",
		Message: err.Error(),
		Status:  http.StatusBadGateway,
	}
}

type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Provider  string `json:"provider,omitempty"`
	Retryable bool   `json:"retryable"`
}

// WriteJSON renders err into the uniform error envelope.
func WriteJSON(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: body{
		Message:   e.Message,
		Code:      e.Code,
		Provider:  e.Provider,
		Retryable: e.Retryable,
	}})
}
