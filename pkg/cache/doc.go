/*
Package cache implements the bounded in-memory cache shared by the NBD
request path and the upload workers.

One structure plays three roles:

  - an LRU of decrypted objects for reads (misses fault in through a
    backer callback),
  - a FIFO dirty queue of keys awaiting asynchronous upload (a nil value
    queued for a key is a delete request),
  - a flush barrier: FlushDirty switches dequeuers into greedy mode and
    hands the caller a channel that closes once the queue and the pin
    set of in-flight uploads are both empty.

A full dirty queue blocks Set, which is the backpressure that throttles
the NBD client. Dequeuers normally sleep until the queue reaches the
flush threshold so uploads batch. Eviction only ever removes clean,
unpinned entries.
*/
package cache
