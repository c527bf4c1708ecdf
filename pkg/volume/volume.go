package volume

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cumulusbd/cumulus/pkg/auth"
	"github.com/cumulusbd/cumulus/pkg/blocktree"
	"github.com/cumulusbd/cumulus/pkg/codec"
	"github.com/cumulusbd/cumulus/pkg/store"
)

// Defaults set at init time.
const (
	DefaultBlockSize  = 1 << 16
	DefaultCompressor = "deflate"
)

// SupportedCapabilities is what this build can serve. A volume whose
// requires set exceeds it cannot be opened.
var SupportedCapabilities = map[string]struct{}{
	"compress-deflate": {},
	"compress-plain":   {},
}

// Errors surfaced by volume operations.
var (
	ErrExists          = errors.New("volume already exists")
	ErrNotFound        = errors.New("volume does not exist")
	ErrDeleted         = errors.New("volume is marked for deletion")
	ErrWrongPassphrase = errors.New("wrong passphrase")
	ErrSerializeFailed = errors.New("config serialization failed")
)

// Config is the JSON metadata object stored encrypted at path `config`.
type Config struct {
	// Size is the virtual disk length in bytes.
	Size uint64 `json:"size"`
	// BS is the block size, set at init and immutable afterwards.
	BS uint64 `json:"bs"`
	// CryptKey is the hex-encoded 32-byte volume data key.
	CryptKey string `json:"crypt_key"`
	// Requires lists capability tags a reader must support.
	Requires []string `json:"requires"`
	// Deleted marks a volume mid-deletion; such a volume cannot open.
	Deleted bool `json:"deleted,omitempty"`
}

// Compressor returns the compression scheme from the requires set,
// defaulting to plain.
func (c *Config) Compressor() string {
	for _, req := range c.Requires {
		if name, ok := strings.CutPrefix(req, "compress-"); ok {
			return name
		}
	}
	return "plain"
}

// CheckCapabilities verifies requires ⊆ SupportedCapabilities.
func (c *Config) CheckCapabilities() error {
	var unsupported []string
	for _, req := range c.Requires {
		if _, ok := SupportedCapabilities[req]; !ok {
			unsupported = append(unsupported, req)
		}
	}
	if len(unsupported) > 0 {
		return fmt.Errorf("volume requires unsupported capabilities: %s",
			strings.Join(unsupported, ", "))
	}
	return nil
}

// Volume is an opened (or loaded) volume: its store, codec, block tree
// and decoded config.
type Volume struct {
	Store  store.Store
	Codec  *codec.Codec
	Tree   *blocktree.BlockTree
	Config Config
}

// Init creates a fresh volume of the given size in the store. It
// refuses when a config object already exists, whether or not the
// passphrase can decrypt it.
func Init(st store.Store, passphrase string, size uint64) error {
	cdc := codec.New(auth.PassKey(passphrase), nil)
	tree := blocktree.New(cdc, st, blocktree.Options{})

	raw, err := tree.Get(codec.ConfigPath)
	if err != nil && !errors.Is(err, codec.ErrInvalidKey) {
		return err
	}
	if raw != nil || errors.Is(err, codec.ErrInvalidKey) {
		return ErrExists
	}

	dataKey, err := auth.GenDataKey()
	if err != nil {
		return err
	}
	cfg := Config{
		Size:     size,
		BS:       DefaultBlockSize,
		CryptKey: hex.EncodeToString(dataKey),
		Requires: []string{"compress-" + DefaultCompressor},
	}
	return writeConfig(tree, cfg)
}

// Load fetches and decodes the config without the deleted or capability
// checks; the delete operation needs a half-dead volume too.
func Load(st store.Store, passphrase string, opts blocktree.Options) (*Volume, error) {
	cdc := codec.New(auth.PassKey(passphrase), nil)
	tree := blocktree.New(cdc, st, opts)

	raw, err := tree.Get(codec.ConfigPath)
	if errors.Is(err, codec.ErrInvalidKey) {
		return nil, ErrWrongPassphrase
	}
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	dataKey, err := hex.DecodeString(cfg.CryptKey)
	if err != nil || len(dataKey) != auth.KeySize {
		return nil, fmt.Errorf("%w: bad crypt_key", ErrSerializeFailed)
	}
	cdc.SetDataKey(dataKey)

	comp, err := codec.ForCapability(cfg.Compressor())
	if err != nil {
		return nil, err
	}
	cdc.SetCompressor(comp)

	return &Volume{Store: st, Codec: cdc, Tree: tree, Config: cfg}, nil
}

// Open loads a volume for serving: the passphrase must decrypt the
// config, the volume must not be mid-deletion and every required
// capability must be supported.
func Open(st store.Store, passphrase string, opts blocktree.Options) (*Volume, error) {
	v, err := Load(st, passphrase, opts)
	if err != nil {
		return nil, err
	}
	if v.Config.Deleted {
		return nil, ErrDeleted
	}
	if err := v.Config.CheckCapabilities(); err != nil {
		return nil, err
	}
	return v, nil
}

func writeConfig(tree *blocktree.BlockTree, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	return tree.Set(codec.ConfigPath, raw, true)
}

// Resize rewrites the config with a new virtual size. Block cleanup is
// separate; see BlocksPastEnd and DeleteBlocks.
func (v *Volume) Resize(newSize uint64) error {
	v.Config.Size = newSize
	return writeConfig(v.Tree, v.Config)
}

// Passwd re-encrypts the config under a new passphrase. Data blocks are
// untouched; only the key wrapping changes.
func (v *Volume) Passwd(newPassphrase string) error {
	v.Codec.SetPassKey(auth.PassKey(newPassphrase))
	return writeConfig(v.Tree, v.Config)
}

// MarkDeleted persists the deletion sentinel so a crashed delete cannot
// be mistaken for a healthy volume.
func (v *Volume) MarkDeleted() error {
	v.Config.Deleted = true
	return writeConfig(v.Tree, v.Config)
}

// DeleteConfig removes the config object. Last step of deletion.
func (v *Volume) DeleteConfig() error {
	return v.Store.Delete(codec.ConfigPath)
}

// ListBlocks walks every stored block id.
func (v *Volume) ListBlocks(fn func(id uint64) error) error {
	return v.Store.List(blocktree.BlockPrefix, func(path string) error {
		id, ok := blocktree.ParseBlockPath(path)
		if !ok {
			return nil
		}
		return fn(id)
	})
}

// DeleteBlocks removes the given block objects with a pool of workers,
// each on its own store handle. progress, when set, is called after
// every deletion.
func (v *Volume) DeleteBlocks(ids []uint64, workers int, progress func(done, total int)) error {
	if workers < 1 {
		workers = 1
	}
	work := make(chan uint64)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	done := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := v.Store.Clone()
			for id := range work {
				err := st.Delete(blocktree.BlockPath(id))
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				done++
				if progress != nil {
					progress(done, len(ids))
				}
				mu.Unlock()
			}
		}()
	}
	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()
	return firstErr
}

// BlocksPastEnd lists stored blocks with an id greater than size/bs + 1,
// the candidates for resize cleanup. Blocks size/bs and size/bs + 1 are
// not listed even when they lie past the end of the device.
func (v *Volume) BlocksPastEnd() ([]uint64, error) {
	last := v.Config.Size/v.Config.BS + 1
	var ids []uint64
	err := v.ListBlocks(func(id uint64) error {
		if id > last {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// AllBlocks lists every stored block id.
func (v *Volume) AllBlocks() ([]uint64, error) {
	var ids []uint64
	err := v.ListBlocks(func(id uint64) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}
