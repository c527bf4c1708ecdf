/*
Package volume manages the lifecycle of a volume's metadata: the
encrypted config object, the passphrase and data keys wrapped through
it, and the administrative operations (init, open, resize, passwd,
delete) that read or rewrite it.

The config object is the root of trust for a volume: it is encrypted
under the passphrase-derived key and carries the hex-encoded data key
protecting every block object. Opening verifies the capability tags the
volume requires and refuses volumes carrying the deletion sentinel;
deletion sets that sentinel first so a crash mid-delete cannot be
mistaken for a healthy volume.
*/
package volume
