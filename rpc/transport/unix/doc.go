// Package unix implements a transport to a TCS daemon on the same machine using
// Unix domain sockets. The wire format is identical to the tcp transport; the
// hostname passed to the client is the socket path.
//
// Key Components:
//
//   - clientConnector: dials the socket path
//
//   - serverConnector: removes a stale socket file and listens on the path
package unix
