package transport

import (
	"net"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests.
// It is called by a server transport with a decoded request packet and must
// reset resp and fill it with the reply. The transport seals and sends resp.
type ServerHandleFunc func(req *serializer.Buffer, resp *serializer.Buffer)

// IRPCServerTransport is the interface for the server side of the TCS wire protocol
type IRPCServerTransport interface {
	// RegisterHandler registers the handler called for every request packet
	RegisterHandler(handler ServerHandleFunc)
	// Listen creates the listener and starts accepting connections in the background.
	// It returns once the listener is bound.
	Listen(config common.ServerConfig) error
	// Addr returns the bound address, nil before Listen
	Addr() net.Addr
	// Wait blocks until the transport stopped and returns the reason
	Wait() error
	// Stop closes the listener and all open connections and waits for their handlers
	Stop() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport moves one request packet to a TCS daemon and receives the
// reply into the same buffer. Implementations keep no per-connection state, the
// caller owns the returned socket.
type IRPCClientTransport interface {
	// ConnectAndSend opens a new socket to hostname, sends the packet held by buf
	// and receives the reply into buf. On success the open socket is returned.
	ConnectAndSend(hostname string, buf *serializer.Buffer) (net.Conn, error)
	// SendOnOpen performs the same exchange on an already open socket
	SendOnOpen(conn net.Conn, buf *serializer.Buffer) error
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}
