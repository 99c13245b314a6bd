package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Class      domain.ErrorClass
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func transientError(provider string, statusCode int, msg string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, StatusCode: statusCode, Message: msg, Class: domain.ErrorClassTransient, Cause: cause}
}

func permanentError(provider string, statusCode int, msg string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, StatusCode: statusCode, Message: msg, Class: domain.ErrorClassPermanent, Cause: cause}
}

// requestError wraps a transport-level failure. A cancelled caller is not the provider's fault.
func requestError(provider string, err error) *ProviderError {
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Provider: provider, Message: "request cancelled", Class: domain.ErrorClassNone, Cause: err}
	}
	return transientError(provider, 0, "provider request failed", err)
}

// statusError builds the error for a non-2xx HTTP status.
func statusError(provider string, statusCode int, body string) *ProviderError {
	msg := providerErrorMessage(statusCode, body)
	if isTransientHTTPStatus(statusCode) {
		return transientError(provider, statusCode, msg, nil)
	}
	return permanentError(provider, statusCode, msg, nil)
}

// Classify maps any send error to an error class. Unknown errors count as transient so
// the provider gets the smaller penalty.
func Classify(err error) domain.ErrorClass {
	if err == nil {
		return domain.ErrorClassNone
	}
	if errors.Is(err, domain.ErrRateLimited) {
		return domain.ErrorClassRateLimited
	}
	if errors.Is(err, domain.ErrCapacityExhausted) {
		return domain.ErrorClassCapacityExhausted
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Class != "" {
		return providerErr.Class
	}
	if errors.Is(err, context.Canceled) {
		return domain.ErrorClassNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorClassTransient
	}

	return domain.ErrorClassTransient
}

// IsTransient reports whether an error should fail over with a small penalty.
func IsTransient(err error) bool {
	return Classify(err) == domain.ErrorClassTransient
}

func IsPermanent(err error) bool {
	return Classify(err) == domain.ErrorClassPermanent
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	body = strings.TrimSpace(body)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, truncate(body, maxErrorBodyBytes))
}

const maxErrorBodyBytes = 512

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
