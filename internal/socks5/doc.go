// Package socks5 is a thin layer over github.com/txthinking/socks5 with the
// handshakes the bridge needs: the client side of CONNECT (used to reach a
// bridge server through a SOCKS5 proxy) and the matching server side used by
// tests and tooling.
package socks5
