// Package server implements the daemon side of the TCS wire protocol.
//
// A TCSServer decodes request packets handed over by a server transport, routes them
// by opcode to a HandlerFunc and encodes the reply. Handlers are grouped into services
// (IService); the only service shipped is the Emulator.
//
// Key Components:
//
//   - TCSServer: opcode routing, reply encoding, optional prometheus endpoint.
//
//   - Emulator: a software TCS keeping contexts, PCRs with event logs, authorization
//     sessions and a persistent key store in memory. It backs the serve command and
//     the end to end tests of the client.
//
// A handler reads its parameters with a serializer.Reader. A request whose parameters
// do not match what the handler reads is answered with TCSBadParameter, an opcode
// without handler with TCSNotImplemented.
package server
