package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOfReturnsWrappedKind(t *testing.T) {
	err := New("op", KindRetryableTransport, errors.New("boom"))
	assert.Equal(t, KindRetryableTransport, ClassOf(err))
}

func TestClassOfReturnsUnknownForPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, ClassOf(errors.New("plain")))
}

func TestIsMatchesKind(t *testing.T) {
	err := Capacity("op", 5, errors.New("full"))
	assert.True(t, Is(err, KindCapacity))
	assert.False(t, Is(err, KindValidation))
}

func TestCapacityCarriesRetryAfter(t *testing.T) {
	err := Capacity("op", 30, errors.New("full"))
	var e *Error
	ok := errors.As(err, &e)
	assert.True(t, ok)
	assert.Equal(t, int64(30), e.RetryAfter)
}

func TestErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("underlying")
	err := New("op", KindInvariant, cause)
	assert.ErrorIs(t, err, cause)
}

func TestKindStringCoversAllValues(t *testing.T) {
	kinds := []Kind{KindUnknown, KindValidation, KindRetryableTransport,
		KindTerminalTransport, KindCapacity, KindCorruption, KindInvariant}
	for _, k := range kinds {
		assert.NotEmpty(t, k.String())
	}
}
