package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
	"github.com/ValentinKolb/tcsrpc/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"gopkg.in/tomb.v2"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector IServerConnector
	handler   transport.ServerHandleFunc
	config    common.ServerConfig
	listener  net.Listener
	tmb       *tomb.Tomb

	// open connections, closed on Stop
	conns *xsync.MapOf[net.Conn, struct{}]

	requests *metrics.Counter
	failures *metrics.Counter
	duration *metrics.Histogram
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport. Each connection is served by its
// own goroutine, requests on one connection are handled strictly one after another.
func NewBaseServerTransport(connector IServerConnector) transport.IRPCServerTransport {
	name := connector.GetName()
	return &serverTransport{
		connector: connector,
		conns:     xsync.NewMapOf[net.Conn, struct{}](),
		requests:  metrics.GetOrCreateCounter(fmt.Sprintf(`tcs_server_requests_total{transport=%q}`, name)),
		failures:  metrics.GetOrCreateCounter(fmt.Sprintf(`tcs_server_connection_errors_total{transport=%q}`, name)),
		duration:  metrics.GetOrCreateHistogram(fmt.Sprintf(`tcs_server_request_duration_seconds{transport=%q}`, name)),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	if t.tmb != nil {
		return fmt.Errorf("%s server already started", t.connector.GetName())
	}
	if config.MaxPacketSize == 0 {
		config.MaxPacketSize = common.DefaultMaxPacketSize
	}
	t.config = config

	// Create listener using the connector
	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	t.listener = listener

	Logger.Infof("Starting %s server on %s", t.connector.GetName(), listener.Addr())

	t.tmb = new(tomb.Tomb)
	t.tmb.Go(t.acceptLoop)
	return nil
}

func (t *serverTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *serverTransport) Wait() error {
	if t.tmb == nil {
		return fmt.Errorf("%s server not started", t.connector.GetName())
	}
	return t.tmb.Wait()
}

func (t *serverTransport) Stop() error {
	if t.tmb == nil {
		return nil
	}

	// Make the accept loop die on its next error
	t.tmb.Kill(nil)
	t.listener.Close()

	// Unblock handlers waiting for the next request
	t.conns.Range(func(conn net.Conn, _ struct{}) bool {
		conn.Close()
		return true
	})

	err := t.tmb.Wait()
	Logger.Infof("Stopped %s server on %s", t.connector.GetName(), t.listener.Addr())
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// acceptLoop accepts connections until the tomb is killed or the listener fails
func (t *serverTransport) acceptLoop() error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.tmb.Dying():
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				Logger.Warningf("Accept timeout: %v", err)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
			Logger.Errorf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		// a connection stored after Stop ranged over the set would leak, so check again
		t.conns.Store(conn, struct{}{})
		if !t.tmb.Alive() {
			t.conns.Delete(conn)
			conn.Close()
			return nil
		}

		t.tmb.Go(func() error {
			t.handleConnection(conn)
			return nil
		})
	}
}

// handleConnection serves request packets of one connection until the peer closes it
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer func() {
		t.conns.Delete(conn)
		conn.Close()
	}()

	req := serializer.NewBuffer(common.DefaultInitialBufferSize, t.config.MaxPacketSize)
	resp := serializer.NewBuffer(common.DefaultInitialBufferSize, t.config.MaxPacketSize)

	for {
		if t.config.TimeoutSecond > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(time.Duration(t.config.TimeoutSecond) * time.Second)); err != nil {
				Logger.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		if _, err := readPacket(conn, req, t.config.MaxPacketSize); err != nil {
			// Case EOF: Connection closed by client
			if errors.Is(err, io.EOF) || !t.tmb.Alive() {
				Logger.Debugf("Connection from %s closed", conn.RemoteAddr())
				return
			}
			t.failures.Inc()
			Logger.Errorf("Error reading request from %s: %v", conn.RemoteAddr(), err)
			return
		}

		start := time.Now()
		t.requests.Inc()
		if err := req.Decode(serializer.PhaseRequest); err != nil {
			Logger.Warningf("Rejecting malformed request from %s: %v", conn.RemoteAddr(), err)
			resp.ResetResponse(0, common.Code(err))
		} else {
			t.handler(req, resp)
		}

		if err := t.reply(conn, resp); err != nil {
			t.failures.Inc()
			Logger.Errorf("Failed to write response to %s: %v", conn.RemoteAddr(), err)
			return
		}
		t.duration.UpdateDuration(start)
	}
}

// reply seals resp and writes it to conn
func (t *serverTransport) reply(conn net.Conn, resp *serializer.Buffer) error {
	if resp.Phase != serializer.PhaseResponse {
		resp.ResetResponse(0, common.ResultInternalError)
	}
	if err := resp.Seal(); err != nil {
		return err
	}
	if t.config.TimeoutSecond > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(time.Duration(t.config.TimeoutSecond) * time.Second)); err != nil {
			return err
		}
	}
	return sendAll(conn, resp.Bytes())
}
