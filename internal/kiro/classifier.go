package kiro

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind is the internal upstream error taxonomy driving engine policy.
type Kind string

const (
	KindTransient      Kind = "transient"
	KindRateLimit      Kind = "rate_limit"
	KindAuthExpired    Kind = "auth_expired"
	KindAuthInvalid    Kind = "auth_invalid"
	KindContentTooLong Kind = "content_too_long"
	KindBadRequest     Kind = "bad_request"
	KindServerError    Kind = "server_error"
	KindUnknown        Kind = "unknown"
)

// ExternalType maps the internal kind onto the error type surfaced to
// clients. The client-facing set is deliberately narrower than the internal
// taxonomy.
func (k Kind) ExternalType() string {
	switch k {
	case KindTransient:
		return "overloaded_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindAuthExpired:
		return "authentication_error"
	case KindAuthInvalid:
		return "permission_error"
	case KindContentTooLong, KindBadRequest:
		return "invalid_request"
	default:
		return "api_error"
	}
}

// Classification is the policy verdict for one upstream failure.
type Classification struct {
	Kind        Kind
	UserMessage string
	// RetrySame allows another attempt on the same identity.
	RetrySame bool
	// Switch moves the request to a different identity.
	Switch bool
	// Disable suspends the identity for the rest of the process lifetime.
	Disable bool
	// Refresh forces a credential refresh before the next attempt.
	Refresh bool
	// LengthError marks the failure as recoverable by history truncation.
	LengthError bool
}

// Built-in marker substrings, matched case-insensitively against upstream
// error bodies. Config may extend but not replace them.
var (
	defaultLengthMarkers = []string{
		"input is too long",
		"exceeds the maximum",
		"content length exceeds",
	}
	defaultQuotaMarkers = []string{
		"monthly request limit",
		"free tier limit",
		"limit exceeded",
		"quota",
	}
	expiredTokenMarkers = []string{
		"expired token",
		"token has expired",
		"expiredtokenexception",
	}
)

// Classifier turns upstream failures into policy verdicts. The zero value
// uses only the built-in markers.
type Classifier struct {
	lengthMarkers []string
	quotaMarkers  []string
}

// NewClassifier merges the configured marker lists with the built-in
// defaults.
func NewClassifier(extraLength, extraQuota []string) *Classifier {
	return &Classifier{
		lengthMarkers: mergeMarkers(defaultLengthMarkers, extraLength),
		quotaMarkers:  mergeMarkers(defaultQuotaMarkers, extraQuota),
	}
}

func mergeMarkers(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, m := range append(append([]string{}, base...), extra...) {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// Classify maps an upstream failure onto the policy table. Transport errors
// pass err with status 0; HTTP failures pass the status and response body.
func (c *Classifier) Classify(status int, body string, err error) Classification {
	lengthMarkers := c.lengthMarkers
	quotaMarkers := c.quotaMarkers
	if lengthMarkers == nil {
		lengthMarkers = defaultLengthMarkers
	}
	if quotaMarkers == nil {
		quotaMarkers = defaultQuotaMarkers
	}

	lower := strings.ToLower(body)

	if err != nil && status == 0 {
		if isTransientNetErr(err) {
			return Classification{
				Kind:        KindTransient,
				UserMessage: "upstream service temporarily unavailable",
				RetrySame:   true,
			}
		}
		return Classification{
			Kind:        KindUnknown,
			UserMessage: "upstream request failed",
		}
	}

	if containsAny(lower, lengthMarkers) {
		return Classification{
			Kind:        KindContentTooLong,
			UserMessage: "request content too long",
			RetrySame:   true,
			LengthError: true,
		}
	}

	if status == 429 || containsAny(lower, quotaMarkers) {
		return Classification{
			Kind:        KindRateLimit,
			UserMessage: "rate limited by upstream",
			Switch:      true,
		}
	}

	if status == 401 || containsAny(lower, expiredTokenMarkers) {
		return Classification{
			Kind:        KindAuthExpired,
			UserMessage: "authentication expired",
			RetrySame:   true,
			Refresh:     true,
		}
	}

	if status == 403 {
		return Classification{
			Kind:        KindAuthInvalid,
			UserMessage: "account not authorized for this resource",
			Switch:      true,
			Disable:     true,
		}
	}

	switch {
	case status == 502 || status == 503 || status == 504:
		return Classification{
			Kind:        KindTransient,
			UserMessage: "upstream service temporarily unavailable",
			RetrySame:   true,
		}
	case status == 400:
		return Classification{
			Kind:        KindBadRequest,
			UserMessage: "invalid request",
		}
	case status >= 500:
		return Classification{
			Kind:        KindServerError,
			UserMessage: "upstream server error",
			Switch:      true,
		}
	}

	return Classification{
		Kind:        KindUnknown,
		UserMessage: "unexpected upstream error",
	}
}

func containsAny(lower string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "connection refused", "broken pipe", "eof", "timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
