// Package dialer opens outbound TCP connections for the bridge agents.
//
// The server dials tunnel destinations with the direct dialer. The client
// reaches the bridge server either directly or through an upstream proxy
// (HTTP CONNECT or SOCKS5), selected by URL with [New].
package dialer
