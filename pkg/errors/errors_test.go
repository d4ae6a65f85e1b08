package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_Defaults(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		category  ErrorCategory
		retryable bool
		status    int
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration, false, 400},
		{ErrCodeObjectNotFound, CategoryStorage, false, 404},
		{ErrCodeStorageRead, CategoryStorage, true, 502},
		{ErrCodeEntryTooLarge, CategoryResource, false, 413},
		{ErrCodeCacheClosed, CategoryState, false, 503},
		{ErrCodeOperationTimeout, CategoryOperation, true, 504},
		{ErrCodeInternalError, CategoryInternal, false, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewError(tt.code, "boom")
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.status, err.HTTPStatus)
			assert.False(t, err.Timestamp.IsZero())
		})
	}
}

func TestCacheError_ErrorString(t *testing.T) {
	err := NewError(ErrCodeObjectNotFound, "no such page")
	assert.Equal(t, "OBJECT_NOT_FOUND: no such page", err.Error())

	err = err.WithComponent("origin").WithOperation("fetch")
	assert.Equal(t, "[origin:fetch] OBJECT_NOT_FOUND: no such page", err.Error())

	err = err.WithCause(fmt.Errorf("stat failed"))
	assert.Equal(t, "[origin:fetch] OBJECT_NOT_FOUND: no such page: stat failed", err.Error())
}

func TestCacheError_IsAndUnwrap(t *testing.T) {
	sentinel := NewError(ErrCodeEntryTooLarge, "entry does not fit")
	decorated := sentinel.WithDetail("size", 42)

	assert.True(t, stderr.Is(decorated, sentinel))
	assert.Nil(t, sentinel.Details, "decorating must not mutate the sentinel")

	cause := fmt.Errorf("disk gone")
	wrapped := fmt.Errorf("load: %w", Wrap(cause, ErrCodeStorageRead, "read failed"))
	assert.True(t, stderr.Is(wrapped, cause))
	assert.Equal(t, ErrCodeStorageRead, CodeOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeStorageRead))

	assert.Equal(t, ErrorCode(""), CodeOf(fmt.Errorf("plain")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestCacheError_JSONAndString(t *testing.T) {
	err := Newf(ErrCodePathInvalid, "bad key %q", "../x").WithDetail("key", "../x")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(err.JSON()), &decoded))
	assert.Equal(t, "PATH_INVALID", decoded["code"])
	assert.Equal(t, "storage", decoded["category"])

	s := err.String()
	assert.Contains(t, s, "Code=PATH_INVALID")
	assert.Contains(t, s, "key=../x")
}
