// Package blockmap translates the device's byte ranges into block
// object operations: slicing, partial-block read-modify-write and the
// all-zero short-circuit that turns block writes into deletes.
package blockmap

import (
	"bytes"
	"fmt"

	"github.com/cumulusbd/cumulus/pkg/blocktree"
)

// Mapper maps byte offsets and lengths onto fixed-size blocks backed by
// a BlockTree. Absent blocks read as zeros; blocks written to all zeros
// are deleted rather than stored.
type Mapper struct {
	tree *blocktree.BlockTree
	bs   uint64
	zero []byte
}

// New creates a mapper for block size bs.
func New(tree *blocktree.BlockTree, bs uint64) (*Mapper, error) {
	if bs == 0 {
		return nil, fmt.Errorf("block size must be positive")
	}
	return &Mapper{
		tree: tree,
		bs:   bs,
		zero: make([]byte, bs),
	}, nil
}

// getBlock fetches block n, substituting the zero block when absent.
// The returned slice is shared and must not be mutated.
func (m *Mapper) getBlock(n uint64) ([]byte, error) {
	data, err := m.tree.Get(blocktree.BlockPath(n))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return m.zero, nil
	}
	// A short object reads as if zero-padded to the block size.
	if uint64(len(data)) < m.bs {
		padded := make([]byte, m.bs)
		copy(padded, data)
		return padded, nil
	}
	return data, nil
}

// setBlock stores block n, turning an all-zero payload into a delete
// request.
func (m *Mapper) setBlock(n uint64, data []byte) error {
	if bytes.Equal(data, m.zero) {
		data = nil
	}
	return m.tree.Set(blocktree.BlockPath(n), data, false)
}

// Read returns exactly length bytes starting at off. An empty request
// is a no-op returning empty bytes.
func (m *Mapper) Read(off uint64, length uint32) ([]byte, error) {
	out := make([]byte, length)
	pos := uint64(0)
	for pos < uint64(length) {
		block := (off + pos) / m.bs
		start := (off + pos) % m.bs
		n := m.bs - start
		if rem := uint64(length) - pos; n > rem {
			n = rem
		}
		data, err := m.getBlock(block)
		if err != nil {
			return nil, err
		}
		copy(out[pos:pos+n], data[start:start+n])
		pos += n
	}
	return out, nil
}

// Write applies data at off. Full-block spans replace the block
// outright; partial spans read-modify-write against the current
// contents, reusing the cached value the read just produced.
func (m *Mapper) Write(off uint64, data []byte) error {
	pos := uint64(0)
	length := uint64(len(data))
	for pos < length {
		block := (off + pos) / m.bs
		start := (off + pos) % m.bs
		n := m.bs - start
		if rem := length - pos; n > rem {
			n = rem
		}
		var buf []byte
		if n == m.bs {
			buf = data[pos : pos+n]
		} else {
			cur, err := m.getBlock(block)
			if err != nil {
				return err
			}
			buf = make([]byte, m.bs)
			copy(buf, cur)
			copy(buf[start:], data[pos:pos+n])
		}
		if err := m.setBlock(block, buf); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// Trim zeroes the given range, which deletes any block it fully covers.
func (m *Mapper) Trim(off uint64, length uint32) error {
	return m.Write(off, make([]byte, length))
}

// Flush drains every outstanding write for the whole volume; the range
// arguments of the device-level flush are deliberately ignored.
func (m *Mapper) Flush() error {
	m.tree.Flush()
	return nil
}
