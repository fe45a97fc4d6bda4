package base

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
	"github.com/ValentinKolb/tcsrpc/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("tcs/transport")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to hostname using the given configuration
	Connect(hostname string, config common.ClientConfig) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// clientMetrics groups the counters of one client transport
type clientMetrics struct {
	bytesSent     *metrics.Counter
	bytesReceived *metrics.Counter
	failures      *metrics.Counter
	connects      *metrics.Counter
	roundTrip     *metrics.Histogram
}

func newClientMetrics(name string) clientMetrics {
	return clientMetrics{
		bytesSent:     metrics.GetOrCreateCounter(fmt.Sprintf(`tcs_client_bytes_sent_total{transport=%q}`, name)),
		bytesReceived: metrics.GetOrCreateCounter(fmt.Sprintf(`tcs_client_bytes_received_total{transport=%q}`, name)),
		failures:      metrics.GetOrCreateCounter(fmt.Sprintf(`tcs_client_transport_failures_total{transport=%q}`, name)),
		connects:      metrics.GetOrCreateCounter(fmt.Sprintf(`tcs_client_connects_total{transport=%q}`, name)),
		roundTrip:     metrics.GetOrCreateHistogram(fmt.Sprintf(`tcs_client_round_trip_seconds{transport=%q}`, name)),
	}
}

// clientTransport implements the packet exchange independent of the
// specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector IClientConnector
	config    common.ClientConfig
	metrics   clientMetrics
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector, config common.ClientConfig) transport.IRPCClientTransport {
	if config.MaxPacketSize == 0 {
		config.MaxPacketSize = common.DefaultMaxPacketSize
	}
	return &clientTransport{
		connector: connector,
		config:    config,
		metrics:   newClientMetrics(connector.GetName()),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) GetName() string {
	return t.connector.GetName()
}

func (t *clientTransport) ConnectAndSend(hostname string, buf *serializer.Buffer) (net.Conn, error) {
	conn, err := t.connector.Connect(hostname, t.config)
	if err != nil {
		t.metrics.failures.Inc()
		return nil, err
	}
	t.metrics.connects.Inc()

	// Upgrade the connection with protocol-specific settings
	if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
		conn.Close()
		t.metrics.failures.Inc()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %v: %w", hostname, err, common.ErrConnectionFailed)
	}

	if err := t.SendOnOpen(conn, buf); err != nil {
		conn.Close()
		return nil, err
	}

	Logger.Debugf("opened %s connection to %s", t.connector.GetName(), hostname)
	return conn, nil
}

func (t *clientTransport) SendOnOpen(conn net.Conn, buf *serializer.Buffer) error {
	if conn == nil {
		return fmt.Errorf("connection is closed: %w", common.ErrCommFailure)
	}

	if err := buf.Seal(); err != nil {
		return err
	}

	err := t.exchange(conn, buf)
	if err != nil {
		t.metrics.failures.Inc()
		Logger.Debugf("%s exchange failed: %v", t.connector.GetName(), err)
	}
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// exchange sends the sealed request in buf and receives the reply into buf
func (t *clientTransport) exchange(conn net.Conn, buf *serializer.Buffer) error {
	start := time.Now()

	if err := setDeadline(conn, t.config.TimeoutSecond); err != nil {
		return fmt.Errorf("failed to set deadline: %v: %w", err, common.ErrCommFailure)
	}

	request := buf.Bytes()
	if err := sendAll(conn, request); err != nil {
		return err
	}
	t.metrics.bytesSent.Add(len(request))

	size, err := readPacket(conn, buf, t.config.MaxPacketSize)
	if err != nil {
		return err
	}
	t.metrics.bytesReceived.Add(int(size))

	if err := buf.Decode(serializer.PhaseResponse); err != nil {
		return err
	}

	t.metrics.roundTrip.UpdateDuration(start)
	return nil
}
