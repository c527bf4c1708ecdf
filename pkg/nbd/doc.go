/*
Package nbd implements the server half of the Network Block Device
protocol, oldstyle negotiation only.

The handshake announces the export size and the HAS_FLAGS, SEND_FLUSH
and SEND_TRIM capabilities, then a single client connection issues
READ/WRITE/FLUSH/TRIM/DISCONNECT commands that are dispatched to a
Device. All multi-byte integers are big-endian.

Data errors on individual commands are reported as POSIX error codes in
the reply and never tear down the connection. Shutdown is cooperative:
Interrupt stops the loop before the next command and surfaces as
ErrInterrupted so the driver can flush the cache and join its workers.
*/
package nbd
