// Package server implements the remote agent: an HTTP handler that bridges
// tunnel requests to destination TCP connections held in a Registry.
//
// Every request performs one bounded operation on one destination socket.
// Poll never blocks; Send blocks only while waiting for the destination to
// accept more bytes, bounded by Config.WriteTimeout.
package server
