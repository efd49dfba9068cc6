package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyTimeouts(t *testing.T) {
	require.True(t, IsTransient(Classify(context.DeadlineExceeded)))
	require.Nil(t, Classify(nil))

	plain := errors.New("something else")
	require.Equal(t, plain, Classify(plain))
}

func TestClassifyKeepsExistingClass(t *testing.T) {
	err := Auth(errors.New("401"))
	require.Equal(t, err, Classify(err))
	require.True(t, IsAuth(Classify(err)))
	require.False(t, IsTransient(Classify(err)))
}

func TestWrappersCompose(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("fetch folder: %w", Transient(base))
	require.True(t, IsTransient(wrapped))
	require.True(t, errors.Is(wrapped, base))
}

func TestRetryAfter(t *testing.T) {
	err := &RetryAfterError{After: 30 * time.Second, Err: errors.New("429")}
	d, ok := RetryAfter(fmt.Errorf("wrapped: %w", err))
	require.True(t, ok)
	require.Equal(t, 30*time.Second, d)
	require.True(t, IsTransient(err), "rate limits retry")

	_, ok = RetryAfter(errors.New("plain"))
	require.False(t, ok)
}

func TestCodeMapping(t *testing.T) {
	require.Equal(t, "bad_request", Code(Validation("nope")))
	require.Equal(t, "not_found", Code(fmt.Errorf("%w: x", ErrNotFound)))
	require.Equal(t, "auth", Code(Auth(errors.New("x"))))
	require.Equal(t, "transient", Code(Transient(errors.New("x"))))
	require.Equal(t, "internal", Code(errors.New("x")))
}

func TestValidationMessage(t *testing.T) {
	err := Validation("unknown account %q", "ghost")
	require.True(t, IsValidation(err))
	require.Contains(t, err.Error(), `"ghost"`)
}
