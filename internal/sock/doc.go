// Package sock provides a non-blocking view of a TCP connection.
//
// Reads and writes never wait: each call performs exactly one read(2) or
// write(2) on the connection's file descriptor and reports a typed
// [Outcome] so callers can tell "no data yet" from a closed or failed
// socket without inspecting errors. [Conn.Wait] is the readiness primitive:
// it blocks in poll(2) for at most the given timeout.
//
// On Linux and the BSDs (including macOS) the implementation uses
// golang.org/x/sys/unix. Elsewhere [Wrap] returns an error.
package sock
