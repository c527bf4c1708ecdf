package volume

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusbd/cumulus/pkg/auth"
	"github.com/cumulusbd/cumulus/pkg/blocktree"
	"github.com/cumulusbd/cumulus/pkg/codec"
	"github.com/cumulusbd/cumulus/pkg/log"
	"github.com/cumulusbd/cumulus/pkg/store"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestInitOpenRoundtrip(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "hunter2", 1<<20))

	vol, err := Open(mem, "hunter2", blocktree.Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), vol.Config.Size)
	assert.Equal(t, uint64(DefaultBlockSize), vol.Config.BS)
	assert.Equal(t, []string{"compress-deflate"}, vol.Config.Requires)

	key, err := hex.DecodeString(vol.Config.CryptKey)
	require.NoError(t, err)
	assert.Len(t, key, auth.KeySize)
}

func TestInitRefusesExistingVolume(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "hunter2", 1<<20))

	// Same passphrase: the config decrypts, still refused.
	assert.ErrorIs(t, Init(mem, "hunter2", 1<<20), ErrExists)

	// Different passphrase: decrypt fails, still refused.
	assert.ErrorIs(t, Init(mem, "other", 1<<20), ErrExists)
}

func TestOpenWrongPassphrase(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "hunter2", 1<<20))

	_, err := Open(mem, "wrong", blocktree.Options{})
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestOpenMissingVolume(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	_, err := Open(mem, "hunter2", blocktree.Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRefusesDeletedVolume(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "hunter2", 1<<20))

	vol, err := Open(mem, "hunter2", blocktree.Options{})
	require.NoError(t, err)
	require.NoError(t, vol.MarkDeleted())

	_, err = Open(mem, "hunter2", blocktree.Options{})
	assert.ErrorIs(t, err, ErrDeleted)

	// Load still works so deletion can proceed.
	_, err = Load(mem, "hunter2", blocktree.Options{})
	assert.NoError(t, err)
}

func TestOpenRefusesUnsupportedCapabilities(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "hunter2", 1<<20))

	vol, err := Open(mem, "hunter2", blocktree.Options{})
	require.NoError(t, err)
	vol.Config.Requires = append(vol.Config.Requires, "compress-zstd")
	require.NoError(t, writeConfig(vol.Tree, vol.Config))

	_, err = Open(mem, "hunter2", blocktree.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compress-zstd")
}

func TestPasswd(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "oldpass", 1<<20))

	vol, err := Open(mem, "oldpass", blocktree.Options{})
	require.NoError(t, err)
	oldKey := vol.Config.CryptKey
	require.NoError(t, vol.Passwd("newpass"))

	_, err = Open(mem, "oldpass", blocktree.Options{})
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	reopened, err := Open(mem, "newpass", blocktree.Options{})
	require.NoError(t, err)
	assert.Equal(t, oldKey, reopened.Config.CryptKey,
		"passwd must rewrap the same data key")
}

func TestResize(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "hunter2", 1<<20))

	vol, err := Open(mem, "hunter2", blocktree.Options{})
	require.NoError(t, err)
	require.NoError(t, vol.Resize(1<<21))

	reopened, err := Open(mem, "hunter2", blocktree.Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<21), reopened.Config.Size)
	assert.Equal(t, vol.Config.BS, reopened.Config.BS, "block size is immutable")
}

func putBlock(t *testing.T, vol *Volume, id uint64, data []byte) {
	t.Helper()
	require.NoError(t, vol.Tree.Set(blocktree.BlockPath(id), data, true))
}

func TestResizeCleanup(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "hunter2", 1<<30))

	vol, err := Open(mem, "hunter2", blocktree.Options{})
	require.NoError(t, err)

	bs := vol.Config.BS
	for _, id := range []uint64{0, 1, 5, 100, 5000} {
		putBlock(t, vol, id, []byte("x"))
	}

	// Shrink to four blocks; only far-out objects are candidates.
	require.NoError(t, vol.Resize(4*bs))
	ids, err := vol.BlocksPastEnd()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{100, 5000}, ids)

	require.NoError(t, vol.DeleteBlocks(ids, 4, nil))
	remaining, err := vol.AllBlocks()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{0, 1, 5}, remaining)
}

func TestDeleteFlow(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "hunter2", 1<<20))

	vol, err := Load(mem, "hunter2", blocktree.Options{})
	require.NoError(t, err)
	for id := uint64(0); id < 10; id++ {
		putBlock(t, vol, id, []byte("x"))
	}

	require.NoError(t, vol.MarkDeleted())
	ids, err := vol.AllBlocks()
	require.NoError(t, err)
	require.Len(t, ids, 10)

	var progressCalls int
	require.NoError(t, vol.DeleteBlocks(ids, 3, func(done, total int) {
		progressCalls++
	}))
	assert.Equal(t, 10, progressCalls)

	require.NoError(t, vol.DeleteConfig())
	assert.Equal(t, 0, mem.Len(), "nothing may remain after delete")
}

func TestConfigCompressor(t *testing.T) {
	tests := []struct {
		name     string
		requires []string
		want     string
	}{
		{name: "deflate", requires: []string{"compress-deflate"}, want: "deflate"},
		{name: "plain", requires: []string{"compress-plain"}, want: "plain"},
		{name: "none listed", requires: nil, want: "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Requires: tt.requires}
			assert.Equal(t, tt.want, cfg.Compressor())
		})
	}
}

func TestConfigIsEncryptedAtRest(t *testing.T) {
	mem := store.NewMemory("bucket", "vol")
	require.NoError(t, Init(mem, "hunter2", 1<<20))

	raw, err := mem.Get(codec.ConfigPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "crypt_key",
		"config must never be stored in the clear")
}
