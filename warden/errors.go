package warden

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrCaseNotFound is returned by ledger lookups and patches when no
	// case exists with the requested guild/case number pair.
	ErrCaseNotFound = errors.New("case not found")

	// ErrCaseConflict is returned when a case row would reuse a
	// guild/case number pair that's already recorded. Case numbers are
	// allocated transactionally, so seeing this in practice means a bug.
	ErrCaseConflict = errors.New("case number already recorded")

	// ErrTargetNotFound indicates the Discord entity a command referred
	// to (user, member, channel or message) doesn't exist.
	ErrTargetNotFound = errors.New("target not found")
)

// ValidationError indicates command input that couldn't be accepted:
// malformed mentions, bad durations, out-of-range values. It surfaces to
// the invoker as a usage message and is never logged as an error.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validationErrorf creates a ValidationError with a formatted message.
func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// PermissionError indicates the bot (or the invoker) lacks the Discord
// permission an action requires.
type PermissionError struct {
	Message string
	Err     error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// TransientError wraps a Discord API failure that may succeed on retry,
// such as a rate limit response, a 5xx, or a network timeout. The
// executor retries these once before giving up.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient discord error: %s", e.Err.Error())
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// classifyDiscordError maps errors returned by discordgo REST calls onto
// the bot's error categories. Errors that don't fit a category are
// returned unchanged.
func classifyDiscordError(err error) error {
	if err == nil {
		return nil
	}

	var rateLimitErr *discordgo.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return &TransientError{Err: err}
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch code := restErr.Response.StatusCode; {
		case code == http.StatusForbidden || code == http.StatusUnauthorized:
			return &PermissionError{Message: "missing permissions", Err: err}
		case code == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrTargetNotFound, err.Error())
		case code == http.StatusTooManyRequests || code >= 500:
			return &TransientError{Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Err: err}
	}

	return err
}

// isTransient reports whether err was classified as retryable.
func isTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}
