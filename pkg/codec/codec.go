package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors surfaced by Decrypt. Callers distinguish a wrong key (fatal at
// open) from a damaged object (EIO on the device) from structural
// corruption.
var (
	ErrInvalidKey = errors.New("invalid encryption key or passphrase")
	ErrChecksum   = errors.New("object checksum mismatch")
	ErrCorrupt    = errors.New("object is corrupt")
)

// salt is baked into every checksum, IV derivation and passphrase key.
// It is part of the on-disk format and must never change.
var salt = []byte{
	0xbe, 0xee, 0x0f, 0xac, 0x81, 0xb9, 0x78, 0x37, 0x6e, 0xce, 0xd6,
	0xd0, 0xdf, 0x63, 0xc8, 0x11, 0x91, 0x2b, 0x9d, 0x32, 0x26, 0xe5,
	0x14, 0x3c, 0x4f, 0x0b, 0xab, 0x79, 0x46, 0x5b, 0xea, 0xdc, 0x41,
	0xc8, 0x5c, 0x8c, 0xae, 0x7a, 0x26, 0xf8, 0xb9, 0x48, 0xcc, 0xe4,
	0xf5, 0x9b, 0x73, 0xc0, 0xba, 0xab, 0xf0, 0x1b, 0xb4, 0xdb, 0xf6,
	0x54, 0xe9, 0xe2, 0xc1, 0xc3, 0x52, 0x5d, 0xc0, 0xd1,
}

// magic trails every frame; a mismatch after decryption means the wrong
// key was used. Also part of the on-disk format.
var magic = []byte("C10Ud-LiC1ou5")

const (
	// ConfigPath is the object path encrypted under the passphrase key
	// instead of the volume data key.
	ConfigPath = "config"

	checksumLen = sha256.Size
	headerLen   = checksumLen + 1 + 8

	// Frames are zero-padded to a multiple of 32 bytes, not the AES
	// block size. Existing volumes are laid out this way.
	padMultiple = 32

	compressNone    = 0
	compressDeflate = 1
)

// Salt returns the format salt for key derivation.
func Salt() []byte {
	return salt
}

// Codec encrypts and decrypts whole objects. The config object uses the
// passphrase-derived key; every other path uses the volume data key.
// Both keys and the compressor must be set before workers share the
// codec; it holds no other state.
type Codec struct {
	passKey    []byte
	dataKey    []byte
	compressor Compressor
}

// New creates a codec. dataKey may be nil until the volume config has
// been decrypted.
func New(passKey, dataKey []byte) *Codec {
	return &Codec{
		passKey:    passKey,
		dataKey:    dataKey,
		compressor: Plain{},
	}
}

// SetDataKey installs the volume data key after the config is loaded.
func (c *Codec) SetDataKey(key []byte) {
	c.dataKey = key
}

// SetPassKey replaces the passphrase key (passwd operation).
func (c *Codec) SetPassKey(key []byte) {
	c.passKey = key
}

// SetCompressor selects the compressor used for block payloads.
func (c *Codec) SetCompressor(comp Compressor) {
	c.compressor = comp
}

func (c *Codec) keyFor(path string) []byte {
	if path == ConfigPath {
		return c.passKey
	}
	return c.dataKey
}

// iv derives the deterministic per-path IV. Reuse across writes to the
// same path is required so re-opening with the same key decrypts the
// object.
func iv(path string) []byte {
	h := md5.New()
	h.Write(salt)
	h.Write([]byte(path))
	return h.Sum(nil)
}

func checksum(key []byte, path string, data []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(key)
	h.Write([]byte(path))
	h.Write(data)
	return h.Sum(nil)
}

// Encrypt frames and encrypts a plaintext payload for path. An empty
// payload yields nil; empty objects are never stored.
func (c *Codec) Encrypt(path string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	key := c.keyFor(path)

	sum := checksum(key, path, data)

	// The config object is stored uncompressed.
	flag := byte(compressNone)
	payload := data
	if path != ConfigPath {
		compressed, err := c.compressor.Compress(data)
		if err != nil {
			return nil, fmt.Errorf("compress %q: %w", path, err)
		}
		if len(compressed) < len(data) {
			flag = compressDeflate
			payload = compressed
		}
	}

	header := make([]byte, headerLen)
	copy(header, sum)
	header[checksumLen] = flag
	binary.BigEndian.PutUint64(header[checksumLen+1:], uint64(len(payload)))

	// Zero-pad so header+payload+magic lands on the pad multiple. The
	// pad is always 1..padMultiple bytes.
	raw := len(header) + len(payload) + len(magic)
	pad := (raw/padMultiple+1)*padMultiple - raw

	frame := make([]byte, 0, raw+pad)
	frame = append(frame, header...)
	frame = append(frame, payload...)
	frame = append(frame, make([]byte, pad)...)
	frame = append(frame, magic...)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher for %q: %w", path, err)
	}
	out := make([]byte, len(frame))
	cipher.NewCBCEncrypter(block, iv(path)).CryptBlocks(out, frame)
	return out, nil
}

// Decrypt reverses Encrypt. It returns ErrCorrupt for structural damage,
// ErrInvalidKey when the trailing magic does not verify and ErrChecksum
// when the payload hash does not match.
func (c *Codec) Decrypt(path string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %q has a partial cipher block", ErrCorrupt, path)
	}
	key := c.keyFor(path)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher for %q: %w", path, err)
	}
	frame := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv(path)).CryptBlocks(frame, data)

	if len(frame) < headerLen+len(magic) ||
		!bytes.Equal(frame[len(frame)-len(magic):], magic) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, path)
	}

	sum := frame[:checksumLen]
	flag := frame[checksumLen]
	dl := binary.BigEndian.Uint64(frame[checksumLen+1 : headerLen])
	if dl > uint64(len(frame)-headerLen-len(magic)) {
		return nil, fmt.Errorf("%w: %q declares %d payload bytes", ErrCorrupt, path, dl)
	}
	payload := frame[headerLen : headerLen+int(dl)]

	if flag == compressDeflate {
		payload, err = c.compressor.Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress %q: %v", ErrCorrupt, path, err)
		}
	}

	if !bytes.Equal(sum, checksum(key, path, payload)) {
		return nil, fmt.Errorf("%w: %q", ErrChecksum, path)
	}
	return payload, nil
}
