package go_func_utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait_ReturnsValue(t *testing.T) {
	v, err := Await(context.Background(), time.Second, func(context.Context) (int, error) {
		return 72, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 72, v)
}

func TestAwait_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Await(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestAwait_TimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	v, err := Await(context.Background(), 20*time.Millisecond, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, v)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwait_CancelledByParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Await(ctx, 0, func(inner context.Context) (string, error) {
		<-inner.Done()
		return "", inner.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}
