package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedLoadsOnceAndTearsDownOnLastRelease(t *testing.T) {
	var loads, teardowns atomic.Int32
	s := NewShared(func(context.Context) (string, error) {
		loads.Add(1)
		return "chime", nil
	}, func(string) { teardowns.Add(1) })

	v1, release1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	v2, release2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "chime", v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, 2, s.Refs())

	release1()
	release1()
	assert.Equal(t, 1, s.Refs())
	assert.Equal(t, int32(0), teardowns.Load())

	release2()
	assert.Equal(t, 0, s.Refs())
	assert.Equal(t, int32(1), teardowns.Load())

	_, release3, err := s.Acquire(context.Background())
	require.NoError(t, err)
	defer release3()
	assert.Equal(t, int32(2), loads.Load())
	assert.Equal(t, uint64(2), s.Generation())
}

func TestSharedLoadErrorIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	s := NewShared(func(context.Context) (int, error) {
		if fail.Load() {
			return 0, errors.New("boom")
		}
		return 7, nil
	}, nil)

	_, release, err := s.Acquire(context.Background())
	require.Error(t, err)
	release()
	assert.Equal(t, 0, s.Refs())

	fail.Store(false)
	v, release, err := s.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.Equal(t, 7, v)
}

func TestSharedConcurrentAcquire(t *testing.T) {
	var loads atomic.Int32
	s := NewShared(func(context.Context) ([]byte, error) {
		loads.Add(1)
		return []byte{1, 2, 3}, nil
	}, nil)
	_, hold, err := s.Acquire(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := s.Acquire(context.Background())
			if err == nil {
				release()
			}
		}()
	}
	wg.Wait()
	hold()
	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, 0, s.Refs())
}

func TestSharedClose(t *testing.T) {
	s := NewShared(func(context.Context) (int, error) { return 1, nil }, nil)
	s.Close()
	_, _, err := s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
