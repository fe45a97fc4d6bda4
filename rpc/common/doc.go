// Package common provides the data structures shared by every layer of the TCS
// client transport: wire constants, parameter records, the error taxonomy,
// configuration and logging.
//
// Key Components:
//
//   - Opcode / TypeTag: numeric identifiers of remote commands and of the encoding of
//     each parameter inside a packet.
//
//   - Records: fixed size values (Nonce, Digest, Secret, UUID, AuthSession, Version,
//     LoadKeyInfo) and self delimiting ones (KMKeyInfo, PCREvent).
//
//   - Errors: locally synthesized failures are *Error sentinels compared with errors.Is,
//     codes reported by the daemon are passed through as ResultCode. Code(err) yields the
//     single result code of a call.
//
//   - ClientConfig / ServerConfig: connection and socket settings. The daemon port
//     defaults to 30003 and can be overridden with TSS_TCSD_PORT.
//
//   - Logger: custom logging implementation plugged into Dragonboat's logger facade
//     so every package logs with the same format.
package common
