package deadline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoReturnsResult(t *testing.T) {
	v, err := Do(context.Background(), time.Second, "op", func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDoPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Do(context.Background(), time.Second, "op", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDoTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Do(context.Background(), 20*time.Millisecond, "embed", func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, memerr.ErrUpstreamTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoHonorsParentCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, 0, "op", func(context.Context) (int, error) {
		<-release
		return 0, nil
	})
	assert.ErrorIs(t, err, memerr.ErrUpstreamTimeout)
}

func TestDoLetsAbandonedCallFinish(t *testing.T) {
	finished := make(chan error, 1)

	_, err := Do(context.Background(), 10*time.Millisecond, "insert", func(ctx context.Context) (int, error) {
		time.Sleep(50 * time.Millisecond)
		finished <- ctx.Err()
		return 1, nil
	})
	require.ErrorIs(t, err, memerr.ErrUpstreamTimeout)

	select {
	case ctxErr := <-finished:
		assert.NoError(t, ctxErr, "dispatched call saw its context cancelled")
	case <-time.After(time.Second):
		t.Fatal("dispatched call never finished")
	}
}
