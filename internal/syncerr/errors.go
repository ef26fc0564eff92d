// Package syncerr classifies failures raised while driving a referral platform.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

// Category groups failures by how they should be recovered from.
type Category string

const (
	CategoryAuth      Category = "auth"
	CategoryBrowser   Category = "browser"
	CategoryNetwork   Category = "network"
	CategoryParsing   Category = "parsing"
	CategoryRateLimit Category = "rate_limit"
)

// Error wraps a platform failure with retryability hints.
type Error struct {
	Category  Category
	Retryable bool
	// Cooldown is how long to back off before retrying a rate-limited platform.
	Cooldown time.Duration
	// Stage names the step that failed, e.g. "login" or "update_status".
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Category)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Stage)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// WithStage returns a copy of e labeled with the failing stage.
func (e *Error) WithStage(stage string) *Error {
	cp := *e
	cp.Stage = stage
	return &cp
}

// Auth reports bad credentials. It is never retryable: the same credentials
// fail the same way on the next attempt.
func Auth(err error) *Error {
	return &Error{Category: CategoryAuth, Retryable: false, Err: err}
}

// Browser reports a transient automation or session failure.
func Browser(err error) *Error {
	return &Error{Category: CategoryBrowser, Retryable: true, Err: err}
}

// Network reports a transport failure talking to the platform.
func Network(err error) *Error {
	return &Error{Category: CategoryNetwork, Retryable: true, Err: err}
}

// Parsing reports markup the driver could not understand.
func Parsing(err error) *Error {
	return &Error{Category: CategoryParsing, Retryable: true, Err: err}
}

// RateLimit reports that the platform throttled us; retry after cooldown.
func RateLimit(cooldown time.Duration, err error) *Error {
	return &Error{Category: CategoryRateLimit, Retryable: true, Cooldown: cooldown, Err: err}
}

// Authf, Browserf and Parsingf are fmt-style shorthands.
func Authf(format string, args ...any) *Error { return Auth(fmt.Errorf(format, args...)) }

func Browserf(format string, args ...any) *Error { return Browser(fmt.Errorf(format, args...)) }

func Parsingf(format string, args ...any) *Error { return Parsing(fmt.Errorf(format, args...)) }

// As extracts the classified error from err's chain.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	se, ok := As(err)
	return ok && se.Category == CategoryAuth
}

// IsRetryable reports whether err may succeed on retry. Unclassified errors
// are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	se, ok := As(err)
	if !ok {
		return true
	}
	return se.Retryable
}

// CategoryOf returns the category of err, or "" when unclassified.
func CategoryOf(err error) Category {
	if se, ok := As(err); ok {
		return se.Category
	}
	return ""
}

// CooldownOf returns the rate-limit cooldown carried by err.
func CooldownOf(err error) (time.Duration, bool) {
	se, ok := As(err)
	if !ok || se.Category != CategoryRateLimit {
		return 0, false
	}
	return se.Cooldown, true
}
