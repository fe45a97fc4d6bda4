package tcp

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/transport"
	"github.com/ValentinKolb/tcsrpc/rpc/transport/base"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(hostname string, config common.ClientConfig) (net.Conn, error) {
	if hostname == "" {
		hostname = common.ResolveHostname()
	}

	ip, err := resolve(hostname)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(config.ResolvedPort()))
	dialer := net.Dialer{}
	if config.TimeoutSecond > 0 {
		dialer.Timeout = time.Duration(config.TimeoutSecond) * time.Second
	}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s (%s): %v: %w", hostname, addr, err, common.ErrConnectionFailed)
	}
	return conn, nil
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	return upgrade(conn, config.SocketConf, config.TCPConf)
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPClientTransport creates a new TCP client transport
func NewTCPClientTransport(config common.ClientConfig) transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{}, config)
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// resolve looks hostname up via DNS. If the lookup fails a dotted quad is used as it is.
// IPv4 results are preferred.
func resolve(hostname string) (string, error) {
	addrs, lookupErr := net.LookupHost(hostname)
	if lookupErr == nil && len(addrs) > 0 {
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
				return a, nil
			}
		}
		return addrs[0], nil
	}

	if ip := net.ParseIP(hostname).To4(); ip != nil {
		return ip.String(), nil
	}

	return "", fmt.Errorf("cannot resolve host %q: %v: %w", hostname, lookupErr, common.ErrConnectionFailed)
}

// upgrade applies performance options to a TCP connection
// using configuration values from TCPConf and SocketConf
func upgrade(conn net.Conn, socket common.SocketConf, tcp common.TCPConf) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(tcp.TCPNoDelay); err != nil {
		return err
	}

	if socket.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(socket.WriteBufferSize); err != nil {
			return err
		}
	}

	if socket.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(socket.ReadBufferSize); err != nil {
			return err
		}
	}

	if tcp.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(tcp.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	// an abortive close (linger 0) drops unsent data, so only positive values are applied
	if tcp.TCPLingerSec > 0 {
		if err := tcpConn.SetLinger(tcp.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}
