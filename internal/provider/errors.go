package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies provider failures so the orchestrator never has to
// pattern-match raw error text.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindAuthMissing       Kind = "auth_missing"
	KindCredentialExpired Kind = "credential_expired"
	KindRateLimited       Kind = "rate_limited"
	KindNetwork           Kind = "network"
)

// Error is a provider-boundary error carrying a typed kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an explicit kind.
func NewError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a typed provider error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsCredential reports whether err indicates missing or expired
// credentials, the two kinds that merit offering the Settings button
// and a proactive credential refresh.
func IsCredential(err error) bool {
	switch KindOf(err) {
	case KindAuthMissing, KindCredentialExpired:
		return true
	}
	return false
}

var credentialPatterns = []string{
	"signature expired",
	"expiredtoken",
	"token has expired",
	"invalid api key",
	"incorrect api key",
	"unauthorized",
	"credentials",
	"401",
	"403",
}

// ClassifyMessage maps a raw backend error message onto a kind. Only
// providers call this; everything above the provider boundary consumes
// the typed kind.
func ClassifyMessage(message string) Kind {
	lower := strings.ToLower(message)
	for _, pattern := range credentialPatterns {
		if strings.Contains(lower, pattern) {
			return KindCredentialExpired
		}
	}
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") {
		return KindRateLimited
	}
	if strings.Contains(lower, "connection") || strings.Contains(lower, "timeout") || strings.Contains(lower, "no such host") {
		return KindNetwork
	}
	return KindUnknown
}
