package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExecutorRunsInOrder(t *testing.T) {
	e := New("test", zap.NewNop())
	defer e.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, e.Submit(func() { got = append(got, i) }))
	}
	require.NoError(t, e.Do(context.Background(), func() {}))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestExecutorSerializesConcurrentSubmitters(t *testing.T) {
	e := New("test", nil)
	defer e.Close()

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				e.Submit(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, e.Do(context.Background(), func() {}))
	assert.Equal(t, 2000, counter)
}

func TestExecutorRecoversPanics(t *testing.T) {
	e := New("test", zap.NewNop())
	defer e.Close()

	e.Submit(func() { panic("boom") })
	ran := false
	require.NoError(t, e.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestExecutorClose(t *testing.T) {
	e := New("test", zap.NewNop())

	ran := 0
	for i := 0; i < 10; i++ {
		e.Submit(func() { ran++ })
	}
	e.Close()
	assert.Equal(t, 10, ran)
	assert.False(t, e.Submit(func() {}))
	assert.ErrorIs(t, e.Do(context.Background(), func() {}), ErrClosed)

	e.Close()
}

func TestExecutorDoContext(t *testing.T) {
	e := New("test", zap.NewNop())
	defer e.Close()

	release := make(chan struct{})
	e.Submit(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Do(ctx, func() {}), context.DeadlineExceeded)
	close(release)
}
