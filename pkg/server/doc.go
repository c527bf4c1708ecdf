/*
Package server wires one volume's serving session together: the
advisory lock, the object store handle, the opened volume, the block
mapper, the NBD dispatcher, the statistics FIFO and the metrics
collector.

Shutdown discipline: a client DISCONNECT or a SIGINT stops the NBD loop
cooperatively, after which the dirty cache is drained and the worker
pools joined before Run returns. SIGTERM is a hard kill that discards
the cache.
*/
package server
