// Package rpc implements the client transport of a TPM software stack: the layer
// that carries TCS commands from the service provider to a Trusted Core Services
// daemon and back.
//
// The package is organized into several subpackages:
//
//   - common: Wire constants, domain records, result codes and error sentinels,
//     configuration structures and logging.
//
//   - serializer: The packet buffer and the tagged parameter codec. Every parameter
//     carries a type tag so that a desynchronized stream is detected.
//
//   - transport: Socket abstractions with TCP and Unix socket implementations,
//     sharing framing and retry logic for partial reads and writes.
//
//   - registry: The table mapping client context handles to their connection,
//     communication buffer and per-context lock.
//
//   - client: One method per remote command, all following the same dispatch
//     pattern (look up, marshal, exchange, check, unmarshal, release).
//
//   - server: The daemon side of the protocol with an in-memory TPM emulator,
//     used for tests and the serve command.
package rpc
