// Package protocol defines the HTTP tunnel wire contract shared by the
// bridge client and server.
//
// A tunnel session is addressed by an opaque identifier appended to the
// server's mount path. Four verbs drive it:
//
//	POST   <path>/<id>  body "host:port"  201 opened | 406 rejected
//	PUT    <path>/<id>  body raw bytes    200 written | 410 gone | 404 unknown
//	GET    <path>/<id>                    200 data | 204 nothing yet | 410 gone | 404 unknown
//	DELETE <path>/<id>                    200 always
//
// The optional Bridge-Offset header carries the stream offset of a PUT body
// or of the bytes the client has received before a GET, letting either side
// retry a request whose response was lost without duplicating or dropping
// bytes. Peers that omit the header get the plain behavior.
package protocol
