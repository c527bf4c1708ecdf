/*
Package blocktree is the interface between the object store and the
block device logic.

It owns the codec, the cache and the worker pools:

	request path ── cache ── writer workers ── codec ── store (clone per worker)
	                  │
	                  └── read-ahead workers ── codec ── store (clone per worker)

Reads descend through the cache and fault in via the store; a missing
object reads as nil, which the mapper treats as a zero block. Writes
land in the cache immediately and are encrypted and uploaded in the
background; a nil value queued for a path becomes a DELETE, which is how
all-zero blocks leave the store. Flush is a barrier over the dirty queue
and the in-flight pin set. Sequential reads of blocks/<N> schedule
speculative prefetch of the following block ids.
*/
package blocktree
