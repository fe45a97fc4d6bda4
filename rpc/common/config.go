package common

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// --------------------------------------------------------------------------
// Socket settings (shared by client and server)
// --------------------------------------------------------------------------

// SocketConf holds settings applied to every stream socket
type SocketConf struct {
	WriteBufferSize int // bytes, 0 keeps the os default
	ReadBufferSize  int // bytes, 0 keeps the os default
}

// TCPConf holds settings only applied to TCP sockets
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // 0 keeps the os default (graceful close)
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds everything needed to reach a TCS daemon
type ClientConfig struct {
	// Hostname of the daemon, resolved via DNS with a dotted quad fallback.
	// For the unix transport this is the socket path.
	Hostname string
	// Port of the daemon, 0 means ResolvePort()
	Port int

	// TimeoutSecond bounds each socket operation, 0 blocks until the peer answers or fails
	TimeoutSecond int

	// InitialBufferSize is the capacity each connection's communication buffer starts with
	InitialBufferSize uint32
	// MaxPacketSize is the largest reply a peer may announce
	MaxPacketSize uint32

	SocketConf SocketConf
	TCPConf    TCPConf

	// Logging configuration
	LogLevel string
}

// DefaultClientConfig returns a configuration for a daemon on the local host
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Hostname:          "localhost",
		InitialBufferSize: DefaultInitialBufferSize,
		MaxPacketSize:     DefaultMaxPacketSize,
		TCPConf: TCPConf{
			TCPNoDelay: true,
		},
		LogLevel: "info",
	}
}

// ResolvedPort returns the configured port or, if unset, ResolvePort()
func (c *ClientConfig) ResolvedPort() int {
	if c.Port == 0 {
		return ResolvePort()
	}
	return c.Port
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Hostname", c.Hostname)
	addField("Port", strconv.Itoa(c.ResolvedPort()))
	if c.TimeoutSecond > 0 {
		addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	} else {
		addField("Timeout", "none")
	}

	// Buffers
	addSection("Buffers")
	addField("Initial Buffer Size", fmt.Sprintf("%d bytes", c.InitialBufferSize))
	addField("Max Packet Size", fmt.Sprintf("%d bytes", c.MaxPacketSize))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds the settings of the emulated daemon
type ServerConfig struct {
	// Endpoint is host:port for tcp or a socket path for unix
	Endpoint string

	// TimeoutSecond bounds each socket operation, 0 disables deadlines
	TimeoutSecond int

	// MaxPacketSize is the largest request a client may announce
	MaxPacketSize uint32

	// MetricsEndpoint serves prometheus metrics if not empty
	MetricsEndpoint string

	SocketConf SocketConf
	TCPConf    TCPConf

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("TCS Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Max Packet Size", fmt.Sprintf("%d bytes", c.MaxPacketSize))
	if c.MetricsEndpoint != "" {
		addField("Metrics", c.MetricsEndpoint)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Environment
// --------------------------------------------------------------------------

// env reads TSS_* variables, e.g. TSS_TCSD_PORT for the key "tcsd-port"
var env = func() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("tss")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("tcsd-port", DefaultPort)
	v.SetDefault("tcsd-hostname", "localhost")
	return v
}()

// ResolvePort returns the daemon port from TSS_TCSD_PORT or DefaultPort
func ResolvePort() int {
	port := env.GetInt("tcsd-port")
	if port <= 0 || port > 65535 {
		return DefaultPort
	}
	return port
}

// ResolveHostname returns the daemon host from TSS_TCSD_HOSTNAME or localhost
func ResolveHostname() string {
	return env.GetString("tcsd-hostname")
}
