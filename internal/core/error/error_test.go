package errx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_UnwrapAndAs(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("outer: %w", PackageLoad("pkg-1", base))

	assert.ErrorIs(t, err, base)

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, CodePackageLoad, appErr.Code)
	assert.True(t, appErr.Retryable)
	assert.Contains(t, err.Error(), "pkg-1")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeProvider, CodeOf(Provider(errors.New("x"), false)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeSessionNotFound, CodeOf(SessionNotFound("s1")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Provider(errors.New("timeout"), false)))
	assert.False(t, IsRetryable(Provider(errors.New("blocked"), true)))
	assert.False(t, IsRetryable(ToolExecution("search", errors.New("x"))))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWrapRedis(t *testing.T) {
	assert.NoError(t, WrapRedis(nil))

	notFound := WrapRedis(redis.Nil)
	assert.Equal(t, http.StatusNotFound, StatusOf(notFound))
	assert.ErrorIs(t, notFound, redis.Nil)

	other := WrapRedis(errors.New("conn refused"))
	assert.Equal(t, http.StatusBadGateway, StatusOf(other))
	assert.True(t, IsRetryable(other))
}
