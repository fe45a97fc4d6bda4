// Package tcp implements the TCP transport to a TCS daemon, the protocol's only
// network transport. It provides the connectors for the base package.
//
// Clients resolve the daemon host via DNS and fall back to parsing a dotted quad
// when the lookup fails. The port comes from the client configuration, or from
// the TSS_TCSD_PORT environment variable, or defaults to 30003.
//
// Accepted and dialed sockets are tuned from TCPConf and SocketConf (no delay,
// keep-alive, linger, buffer sizes).
package tcp
