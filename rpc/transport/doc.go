// Package transport defines the interfaces between the TCS command layer and the
// sockets carrying its packets.
//
// A client transport performs one exchange per call: the caller fills a
// serializer.Buffer with a request, the transport sends it and overwrites the
// buffer with the reply. The first exchange of a context opens the socket
// (ConnectAndSend), all later ones reuse it (SendOnOpen).
//
// A server transport accepts connections, frames incoming request packets and
// passes them to a ServerHandleFunc.
//
// Implementations live in the tcp and unix sub packages, both built on base.
package transport
