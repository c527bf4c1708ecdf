// Package events provides a lightweight publish/subscribe broker for
// server lifecycle events: volume open/close, client connects, flushes
// and worker failures. Subscribers that fall behind drop events rather
// than block the server.
package events
