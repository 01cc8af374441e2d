package error

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseError_IsComparesCode(t *testing.T) {
	a := NewError("CACHE_MISS", "first")
	b := NewError("CACHE_MISS", "second")
	c := NewError("STORAGE_IO", "other")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))

	wrapped := fmt.Errorf("outer: %w", a)
	assert.True(t, errors.Is(wrapped, b))
}

func TestWrapError(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError("STORAGE_IO", "写入失败", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorCode("STORAGE_IO"), CodeOf(err))
	assert.Contains(t, err.Error(), "disk full")

	err.WithContext("key", "fund:000001")
	assert.Equal(t, "fund:000001", err.Context["key"])
}

func TestCodeOf_Plain(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}
