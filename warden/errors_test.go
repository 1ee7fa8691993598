package warden

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restErrorWithStatus(code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: code},
		Message:  &discordgo.APIErrorMessage{Message: http.StatusText(code)},
	}
}

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestClassifyDiscordError(t *testing.T) {
	t.Parallel()

	t.Run(
		"nil", func(t *testing.T) {
			assert.NoError(t, classifyDiscordError(nil))
		},
	)

	t.Run(
		"rate limit", func(t *testing.T) {
			err := classifyDiscordError(
				&discordgo.RateLimitError{
					RateLimit: &discordgo.RateLimit{
						TooManyRequests: &discordgo.TooManyRequests{
							RetryAfter: 250 * time.Millisecond,
						},
						URL: "/api/v9/guilds",
					},
				},
			)
			var transientErr *TransientError
			assert.ErrorAs(t, err, &transientErr)
		},
	)

	t.Run(
		"forbidden", func(t *testing.T) {
			err := classifyDiscordError(restErrorWithStatus(http.StatusForbidden))
			var permissionErr *PermissionError
			assert.ErrorAs(t, err, &permissionErr)
		},
	)

	t.Run(
		"unauthorized", func(t *testing.T) {
			err := classifyDiscordError(restErrorWithStatus(http.StatusUnauthorized))
			var permissionErr *PermissionError
			assert.ErrorAs(t, err, &permissionErr)
		},
	)

	t.Run(
		"not found", func(t *testing.T) {
			err := classifyDiscordError(restErrorWithStatus(http.StatusNotFound))
			assert.ErrorIs(t, err, ErrTargetNotFound)
		},
	)

	t.Run(
		"too many requests", func(t *testing.T) {
			err := classifyDiscordError(
				restErrorWithStatus(http.StatusTooManyRequests),
			)
			var transientErr *TransientError
			assert.ErrorAs(t, err, &transientErr)
		},
	)

	t.Run(
		"server error", func(t *testing.T) {
			err := classifyDiscordError(restErrorWithStatus(http.StatusBadGateway))
			var transientErr *TransientError
			assert.ErrorAs(t, err, &transientErr)
		},
	)

	t.Run(
		"bad request passes through", func(t *testing.T) {
			original := restErrorWithStatus(http.StatusBadRequest)
			err := classifyDiscordError(original)
			assert.Equal(t, original, err)
		},
	)

	t.Run(
		"network timeout", func(t *testing.T) {
			err := classifyDiscordError(timeoutNetError{})
			var transientErr *TransientError
			assert.ErrorAs(t, err, &transientErr)
		},
	)

	t.Run(
		"unrelated error passes through", func(t *testing.T) {
			original := errors.New("boom")
			assert.Equal(t, original, classifyDiscordError(original))
		},
	)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, isTransient(&TransientError{Err: errors.New("x")}))
	assert.False(t, isTransient(errors.New("x")))
	assert.False(t, isTransient(nil))
}

func TestErrorUnwrapping(t *testing.T) {
	t.Parallel()

	inner := errors.New("inner")

	permErr := &PermissionError{Message: "missing permissions", Err: inner}
	assert.ErrorIs(t, permErr, inner)
	assert.Contains(t, permErr.Error(), "missing permissions")

	noWrap := &PermissionError{Message: "missing permissions"}
	assert.Equal(t, "missing permissions", noWrap.Error())

	transientErr := &TransientError{Err: inner}
	assert.ErrorIs(t, transientErr, inner)

	validationErr := validationErrorf("bad value: %d", 42)
	require.Error(t, validationErr)
	assert.Equal(t, "bad value: 42", validationErr.Error())
}
