package future

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_ResolvesOnce(t *testing.T) {
	f := New[int]()
	assert.True(t, f.Complete(1))
	assert.False(t, f.Complete(2))
	assert.False(t, f.Fail(errors.New("late")))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_GoAndCallbacks(t *testing.T) {
	release := make(chan struct{})
	f := Go(func() (string, error) {
		<-release
		return "ok", nil
	})

	got := make(chan string, 1)
	f.WhenComplete(func(v string, err error) {
		got <- v
	})
	close(release)

	select {
	case v := <-got:
		assert.Equal(t, "ok", v)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestFuture_GetHonoursContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestThen(t *testing.T) {
	mapped := Then(Completed(41), func(v int) (string, error) {
		return strconv.Itoa(v + 1), nil
	})
	v, err := mapped.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	boom := errors.New("boom")
	called := false
	failed := Then(Failed[int](boom), func(v int) (string, error) {
		called = true
		return "", nil
	})
	_, err = failed.Get(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}
