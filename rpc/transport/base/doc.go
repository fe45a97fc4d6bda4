// Package base provides the connector-agnostic part of the TCS transports. Protocol
// specific packages (tcp, unix) contribute a connector that dials or listens, everything
// else lives here.
//
// Client side, one exchange looks like this:
//
//  1. Seal the request header into the communication buffer.
//  2. Write all packet_size bytes, continuing after short writes and retrying EINTR.
//  3. Read the 28 byte reply header and take the packet size from it.
//  4. Grow the buffer once if the reply does not fit (bounded by MaxPacketSize).
//  5. Read the rest of the reply. A read returning nothing means the peer closed
//     the socket, which is a terminal communication failure.
//  6. Validate the reply header.
//
// No state outside the buffer and the socket is touched, so a failed exchange
// never changes the connection registry.
//
// Server side, an accept loop runs under a tomb and starts one goroutine per
// connection. Requests on a connection are answered in order; the protocol has
// no request ids so there is nothing to pipeline.
//
// Both sides count bytes, failures and round trip latency with VictoriaMetrics
// metrics, labelled with the transport name.
package base
