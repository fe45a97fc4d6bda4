// Package serializer implements the communication buffer and the tagged parameter
// codec used for every packet exchanged with a TCS daemon.
//
// Packet layout (all fields big endian):
//
//	+-------------------------------+
//	| header: 7 x uint32            |  packet size, opcode|result, parm count,
//	|                               |  type area size/offset, parm area size/offset
//	+-------------------------------+
//	| type area: 1 uint32 tag/parm  |
//	+-------------------------------+
//	| parameter area                |  encoded values, back to back
//	+-------------------------------+
//
// Key Components:
//
//   - Buffer: an owned, growable byte buffer plus its decoded Header. One Buffer is
//     reused for every call on a connection. Reset starts a packet with a fixed number
//     of parameter slots, Append encodes a value and grows the buffer (once, preserving
//     everything written so far) if it does not fit, Seal writes the header.
//
//   - Extract / ExtractBytes: decode a parameter by position after Decode validated a
//     received header. A recorded tag that differs from the expected one is reported
//     as common.ErrDesync, reads are bounds checked against the parameter area.
//
//   - Reader: sequential extraction with a sticky error, used by request builders
//     and server handlers.
//
//   - Describe: JSON rendering of a packet for debug logs.
//
// Scalars and fixed size records are encoded with go-tpm's tpmutil, records with
// variable data (KMKeyInfo, PCREvent) carry uint32 length prefixes.
//
// Thread Safety:
//
//	A Buffer is not safe for concurrent use. The connection registry guarantees that
//	only the holder of an entry's lock touches that entry's buffer.
package serializer
