package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func testCodec() *Codec {
	pass := bytes.Repeat([]byte{0x11}, 32)
	data := bytes.Repeat([]byte{0x22}, 32)
	c := New(pass, data)
	c.SetCompressor(Deflate{})
	return c
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	c := testCodec()

	random := make([]byte, 4096)
	rand.Read(random)

	tests := []struct {
		name string
		path string
		data []byte
	}{
		{
			name: "small literal",
			path: "blocks/0",
			data: []byte("hello world"),
		},
		{
			name: "single byte",
			path: "blocks/1",
			data: []byte{0x42},
		},
		{
			name: "compressible block",
			path: "blocks/2",
			data: bytes.Repeat([]byte("abcd"), 1024),
		},
		{
			name: "incompressible block",
			path: "blocks/3",
			data: random,
		},
		{
			name: "zero block",
			path: "blocks/4",
			data: make([]byte, 4096),
		},
		{
			name: "config object",
			path: "config",
			data: []byte(`{"size":1048576,"bs":4096}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := c.Encrypt(tt.path, tt.data)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(enc)%32 != 0 {
				t.Errorf("ciphertext length %d is not a multiple of 32", len(enc))
			}
			dec, err := c.Decrypt(tt.path, enc)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(dec, tt.data) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(dec), len(tt.data))
			}
		})
	}
}

func TestEncryptEmptyIsNil(t *testing.T) {
	c := testCodec()
	enc, err := c.Encrypt("blocks/0", nil)
	if err != nil || enc != nil {
		t.Errorf("Encrypt(nil) = (%v, %v), want (nil, nil)", enc, err)
	}
	dec, err := c.Decrypt("blocks/0", nil)
	if err != nil || dec != nil {
		t.Errorf("Decrypt(nil) = (%v, %v), want (nil, nil)", dec, err)
	}
}

func TestEncryptDeterministic(t *testing.T) {
	// Same path, key and payload must produce identical ciphertext, or
	// re-opening a volume could not verify what it wrote.
	c := testCodec()
	data := bytes.Repeat([]byte("x"), 100)
	a, err := c.Encrypt("blocks/7", data)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encrypt("blocks/7", data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("ciphertext is not deterministic for identical input")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	c := testCodec()
	enc, err := c.Encrypt("blocks/0", []byte("secret data"))
	if err != nil {
		t.Fatal(err)
	}

	other := New(bytes.Repeat([]byte{0x33}, 32), bytes.Repeat([]byte{0x44}, 32))
	other.SetCompressor(Deflate{})
	_, err = other.Decrypt("blocks/0", enc)
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrInvalidKey", err)
	}
}

func TestDecryptWrongPath(t *testing.T) {
	// A different path derives a different IV and a different checksum,
	// so a relocated object must not decrypt cleanly.
	c := testCodec()
	enc, err := c.Encrypt("blocks/0", []byte("some block content here"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decrypt("blocks/1", enc); err == nil {
		t.Error("Decrypt() under a different path succeeded")
	}
}

func TestDecryptCorrupt(t *testing.T) {
	c := testCodec()
	enc, err := c.Encrypt("blocks/0", bytes.Repeat([]byte("y"), 500))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "partial cipher block",
			data: enc[:len(enc)-5],
			want: ErrCorrupt,
		},
		{
			name: "truncated to one block",
			data: enc[:16],
			want: ErrInvalidKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt("blocks/0", tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecryptFlippedPayloadByte(t *testing.T) {
	c := testCodec()
	// Random payload stays uncompressed, so a payload flip must surface
	// as a checksum error rather than a decompression failure.
	data := make([]byte, 1024)
	rand.Read(data)
	enc, err := c.Encrypt("blocks/0", data)
	if err != nil {
		t.Fatal(err)
	}
	tampered := make([]byte, len(enc))
	copy(tampered, enc)
	tampered[100] ^= 0x01
	_, err = c.Decrypt("blocks/0", tampered)
	if err == nil {
		t.Fatal("Decrypt() of tampered ciphertext succeeded")
	}
	if errors.Is(err, ErrInvalidKey) {
		t.Errorf("payload tampering reported as ErrInvalidKey: %v", err)
	}
}

func TestCompressionPolicy(t *testing.T) {
	c := testCodec()

	// Compressible payloads shrink on the wire.
	compressible := bytes.Repeat([]byte{0}, 65536)
	enc, err := c.Encrypt("blocks/0", compressible)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) >= len(compressible) {
		t.Errorf("compressible payload did not shrink: %d >= %d", len(enc), len(compressible))
	}

	// Incompressible payloads are stored raw, costing only framing.
	random := make([]byte, 65536)
	rand.Read(random)
	enc, err = c.Encrypt("blocks/1", random)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) > len(random)+128 {
		t.Errorf("incompressible payload grew too much: %d", len(enc))
	}

	// Round trips hold on both sides of the boundary.
	for _, payload := range [][]byte{compressible, random} {
		enc, err := c.Encrypt("blocks/9", payload)
		if err != nil {
			t.Fatal(err)
		}
		dec, err := c.Decrypt("blocks/9", enc)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(dec, payload) {
			t.Error("round trip across compression boundary failed")
		}
	}
}

func TestConfigUsesPassKey(t *testing.T) {
	c := testCodec()
	enc, err := c.Encrypt("config", []byte(`{"bs":4096}`))
	if err != nil {
		t.Fatal(err)
	}

	// Same pass key, different data key: config must still decrypt.
	other := New(bytes.Repeat([]byte{0x11}, 32), bytes.Repeat([]byte{0x99}, 32))
	other.SetCompressor(Deflate{})
	if _, err := other.Decrypt("config", enc); err != nil {
		t.Errorf("config did not decrypt under the pass key alone: %v", err)
	}

	// Different pass key: must fail as an invalid key.
	wrong := New(bytes.Repeat([]byte{0x77}, 32), bytes.Repeat([]byte{0x22}, 32))
	wrong.SetCompressor(Deflate{})
	if _, err := wrong.Decrypt("config", enc); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("config decrypt with wrong pass key error = %v, want ErrInvalidKey", err)
	}
}

func TestForCapability(t *testing.T) {
	if _, err := ForCapability("deflate"); err != nil {
		t.Errorf("deflate should be known: %v", err)
	}
	if _, err := ForCapability("plain"); err != nil {
		t.Errorf("plain should be known: %v", err)
	}
	if _, err := ForCapability("lzma"); err == nil {
		t.Error("unknown scheme should fail")
	}
}
