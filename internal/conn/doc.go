// Package conn holds TCP plumbing shared by both bridge agents: listeners
// that apply keepalive settings to accepted connections, parsing of the
// --tcp-keepalive flag, and a pool of fixed-size read buffers.
package conn
