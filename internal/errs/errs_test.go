package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorStringIncludesOpKindAndCause(t *testing.T) {
	e := New(KindFetchTransient, "fetch.Get", errors.New("connection reset"))
	assert.Equal(t, "fetch.Get: fetch_transient: connection reset", e.Error())
}

func TestErrorStringWithoutOp(t *testing.T) {
	e := New(KindDBError, "", errors.New("deadlock"))
	assert.Equal(t, "db_error: deadlock", e.Error())
}

func TestUnwrapReturnsWrappedCause(t *testing.T) {
	cause := errors.New("underlying")
	e := New(KindLLMTransient, "op", cause)
	assert.Equal(t, cause, e.Unwrap())
}

func TestIsRetryableTrueForRetryableKinds(t *testing.T) {
	for _, k := range []Kind{KindFetchTransient, KindLLMTransient, KindLLMMalformedJSON} {
		e := New(k, "op", errors.New("x"))
		assert.True(t, e.IsRetryable(), "expected %s to be retryable", k)
	}
}

func TestIsRetryableFalseForNonRetryableKinds(t *testing.T) {
	for _, k := range []Kind{KindFetchHard, KindValidationViolation, KindCancelled, KindDBError} {
		e := New(k, "op", errors.New("x"))
		assert.False(t, e.IsRetryable(), "expected %s to be non-retryable", k)
	}
}

func TestPackageIsRetryableUnwrapsWrappedError(t *testing.T) {
	tagged := New(KindFetchTransient, "op", errors.New("x"))
	wrapped := fmt.Errorf("context: %w", tagged)
	assert.True(t, IsRetryable(wrapped))
}

func TestPackageIsRetryableFalseForUntaggedError(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestAsErrorFindsTaggedErrorThroughWrapping(t *testing.T) {
	tagged := New(KindEmbeddingFailure, "op", errors.New("x"))
	wrapped := fmt.Errorf("outer: %w", tagged)

	var target *Error
	ok := AsError(wrapped, &target)
	require.True(t, ok)
	assert.Equal(t, KindEmbeddingFailure, target.Kind)
}

func TestAsErrorFalseWhenNoTaggedErrorInChain(t *testing.T) {
	var target *Error
	assert.False(t, AsError(errors.New("plain"), &target))
}

func TestKindOfReturnsEmptyForUntaggedError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestKindOfReturnsKindForTaggedError(t *testing.T) {
	tagged := New(KindVectorUpsertFailure, "op", errors.New("x"))
	assert.Equal(t, KindVectorUpsertFailure, KindOf(tagged))
}
