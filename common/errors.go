package common

import (
	"errors"
	"fmt"
	"regexp"
)

// Error categories surfaced to users. Full error detail stays in logs;
// persisted and notified messages carry only the sanitized form.
const (
	CategorySchema     = "schema"
	CategoryData       = "data"
	CategoryAuth       = "auth"
	CategoryConnection = "connection"
	CategoryUnknown    = "unknown"
)

// DestinationError is a typed, non-transient destination failure
// (schema mismatch, bad data). Recoverable via the dead letter store.
type DestinationError struct {
	Category string
	Message  string
	Cause    error
}

func (e *DestinationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("destination error (%s): %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("destination error (%s): %s", e.Category, e.Message)
}

func (e *DestinationError) Unwrap() error { return e.Cause }

// ConnectionError is a transient destination failure. Replay is gated on
// a passing health probe.
type ConnectionError struct {
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// ErrNoRoute indicates a table with no configured sync route. A
// configuration gap, not a transient failure: logged and dropped, never
// dead-lettered.
var ErrNoRoute = errors.New("no route configured for table")

// Credential-looking fragments stripped from user-facing error text.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key)\s*[=:]\s*[^\s&;,'"]+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`),
	regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^/\s@]+@`), // scheme://user:pass@
	regexp.MustCompile(`[^\s/@:]+:[^\s/@]+@tcp\(`),                      // mysql DSN user:pass@tcp(
}

// Sanitize maps an error to a user-facing (category, message) pair with
// credentials stripped. The original error keeps full detail for logs.
func Sanitize(err error) (string, string) {
	if err == nil {
		return CategoryUnknown, ""
	}

	category := CategoryUnknown
	message := err.Error()

	var destErr *DestinationError
	var connErr *ConnectionError
	switch {
	case errors.As(err, &destErr):
		category = destErr.Category
		message = destErr.Message
	case errors.As(err, &connErr):
		category = CategoryConnection
		message = connErr.Message
	}

	for _, pattern := range secretPatterns {
		message = pattern.ReplaceAllString(message, "[redacted]")
	}

	return category, message
}
