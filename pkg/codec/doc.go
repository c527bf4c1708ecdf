/*
Package codec implements the encrypted object framing shared by every
object in a volume.

Each object is stored as a single AES-CBC encrypted frame:

	┌──────────────────────────────────────────────┐
	│ SHA-256 checksum (32B)                       │  salt ‖ key ‖ path ‖ plaintext
	│ compression flag (1B)                        │  0 = raw, 1 = deflate
	│ payload length (8B, big-endian)              │
	│ payload (possibly deflate-compressed)        │
	│ zero padding (1..32B)                        │  to a 32-byte multiple
	│ magic trailer (13B)                          │  key verification
	└──────────────────────────────────────────────┘

The IV is deterministic per path (MD5 of salt ‖ path) so that a volume
re-opened with the same key decrypts in place; an object-store PUT
always replaces the whole object, which is the revision boundary the
scheme relies on.

The config object is encrypted under the passphrase-derived key and is
never compressed; all block objects use the volume data key.
*/
package codec
