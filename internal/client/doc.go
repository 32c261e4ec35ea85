// Package client implements the local agent: a single tunnel session that
// relays one local TCP connection through a bridge server using only HTTP
// request/response exchanges.
//
// A Session runs a cooperative loop on one goroutine. Each iteration waits
// for local socket readiness, reads local bytes into the outbound buffer,
// Sends them, and then either flushes inbound bytes to the local socket or
// Polls the bridge for more. Poll is only issued when the inbound buffer is
// empty, so inbound never holds more than one Poll response; reads from the
// local socket pause while outbound is full.
package client
