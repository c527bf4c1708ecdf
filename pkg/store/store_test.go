package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("gopher", Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gopher")
}

func TestBackendsRegistered(t *testing.T) {
	names := Backends()
	for _, want := range []string{"bolt", "mem", "s3"} {
		assert.Contains(t, names, want)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory("bucket", "vol")
	require.NoError(t, m.CheckAccess())

	_, err := m.Get("config")
	assert.ErrorIs(t, err, ErrNotExist)

	require.NoError(t, m.Set("config", []byte("data")))
	got, err := m.Get("config")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	// Delete is idempotent.
	require.NoError(t, m.Delete("config"))
	require.NoError(t, m.Delete("config"))
	_, err = m.Get("config")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestMemoryStoreIsolation(t *testing.T) {
	m := NewMemory("bucket", "vol")
	require.NoError(t, m.Set("blocks/0", []byte("original")))

	got, err := m.Get("blocks/0")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := m.Get("blocks/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again, "stored bytes must not alias returned slices")
}

func TestMemoryList(t *testing.T) {
	m := NewMemory("bucket", "vol")
	require.NoError(t, m.Set("config", []byte("c")))
	require.NoError(t, m.Set("blocks/0", []byte("a")))
	require.NoError(t, m.Set("blocks/10", []byte("b")))

	var paths []string
	require.NoError(t, m.List("blocks/", func(p string) error {
		paths = append(paths, p)
		return nil
	}))
	assert.ElementsMatch(t, []string{"blocks/0", "blocks/10"}, paths)
}

func TestMemoryCloneSharesBucket(t *testing.T) {
	m := NewMemory("bucket", "vol")
	clone := m.Clone()
	require.NoError(t, clone.Set("blocks/0", []byte("from clone")))

	got, err := m.Get("blocks/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("from clone"), got)
}

func TestRetryPolicyRetriesTransientErrors(t *testing.T) {
	p := RetryPolicy{Interval: time.Millisecond, Watchdog: time.Second}
	attempts := 0
	err := p.run(func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyPermanentError(t *testing.T) {
	p := RetryPolicy{Interval: time.Millisecond, Watchdog: time.Second}
	attempts := 0
	err := p.run(func(ctx context.Context) error {
		attempts++
		return backoff.Permanent(ErrNotExist)
	})
	assert.ErrorIs(t, err, ErrNotExist)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicyMaxElapsed(t *testing.T) {
	p := RetryPolicy{Interval: time.Second, Watchdog: time.Second, MaxElapsed: 50 * time.Millisecond}
	start := time.Now()
	err := p.run(func(ctx context.Context) error {
		return errors.New("always failing")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRetryPolicyWatchdogBoundsAttempt(t *testing.T) {
	p := RetryPolicy{Interval: time.Millisecond, Watchdog: 20 * time.Millisecond}
	attempts := 0
	err := p.run(func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			// A wedged attempt: only the watchdog gets us out.
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
