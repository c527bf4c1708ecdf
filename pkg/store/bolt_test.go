package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := NewBolt(Config{
		Bucket: "bucket",
		Volume: "vol",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBoltRoundtrip(t *testing.T) {
	b := newTestBolt(t)
	require.NoError(t, b.CheckAccess())

	_, err := b.Get("config")
	assert.ErrorIs(t, err, ErrNotExist)

	require.NoError(t, b.Set("config", []byte("encrypted bytes")))
	got, err := b.Get("config")
	require.NoError(t, err)
	assert.Equal(t, []byte("encrypted bytes"), got)

	require.NoError(t, b.Delete("config"))
	require.NoError(t, b.Delete("config"))
	_, err = b.Get("config")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestBoltList(t *testing.T) {
	b := newTestBolt(t)
	require.NoError(t, b.Set("blocks/0", []byte("a")))
	require.NoError(t, b.Set("blocks/5", []byte("b")))
	require.NoError(t, b.Set("config", []byte("c")))

	var paths []string
	require.NoError(t, b.List("blocks/", func(p string) error {
		paths = append(paths, p)
		return nil
	}))
	assert.ElementsMatch(t, []string{"blocks/0", "blocks/5"}, paths)
}

func TestBoltCloneSharesDatabase(t *testing.T) {
	b := newTestBolt(t)
	clone := b.Clone()
	require.NoError(t, clone.Set("blocks/1", []byte("shared")))

	got, err := b.Get("blocks/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), got)
}
