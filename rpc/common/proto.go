package common

import (
	"fmt"

	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Wire layout
// --------------------------------------------------------------------------

const (
	// HeaderSize is the size of the fixed packet header: seven big endian uint32 fields
	// (packet size, opcode/result, parm count, type area size, type area offset,
	// parm area size, parm area offset)
	HeaderSize = 7 * 4

	// TagSize is the size of one entry in the type tag array
	TagSize = 4

	// DefaultPort is the port a TCS daemon listens on if nothing else is configured
	DefaultPort = 30003

	// DefaultInitialBufferSize is the capacity of a fresh communication buffer
	DefaultInitialBufferSize = 1024

	// DefaultMaxPacketSize bounds the packet size a peer may announce
	DefaultMaxPacketSize = 16 * 1024 * 1024
)

// --------------------------------------------------------------------------
// Handles
// --------------------------------------------------------------------------

// ContextHandle identifies one logical session. The client side uses its own handle
// to look up the connection, the remote side hands out its own on OpenContext.
type ContextHandle uint32

// ConnKind is the connection type announced to the daemon on OpenContext
type ConnKind uint32

const (
	ConnKindTCPPersistent ConnKind = 1
	ConnKindUnixSocket    ConnKind = 2
)

// --------------------------------------------------------------------------
// Opcodes
// --------------------------------------------------------------------------

// Opcode identifies the remote command carried by a request packet
type Opcode uint32

const (
	OpError                Opcode = 0
	OpOpenContext          Opcode = 1
	OpCloseContext         Opcode = 2
	OpFreeMemory           Opcode = 3
	OpTCSGetCapability     Opcode = 4
	OpRegisterKey          Opcode = 5
	OpUnregisterKey        Opcode = 6
	OpEnumRegisteredKeys   Opcode = 7
	OpGetRegisteredKey     Opcode = 8
	OpGetRegisteredKeyBlob Opcode = 9
	OpLoadKeyByBlob        Opcode = 11
	OpLoadKeyByUUID        Opcode = 12
	OpEvictKey             Opcode = 13
	OpLogPcrEvent          Opcode = 17
	OpGetPcrEvent          Opcode = 18
	OpSetOwnerInstall      Opcode = 21
	OpTakeOwnership        Opcode = 22
	OpOIAP                 Opcode = 23
	OpOSAP                 Opcode = 24
	OpChangeAuth           Opcode = 25
	OpTerminateHandle      Opcode = 29
	OpExtend               Opcode = 31
	OpPcrRead              Opcode = 32
	OpGetRandom            Opcode = 44
	OpStirRandom           Opcode = 45
	OpGetCapability        Opcode = 46
	OpReadPubek            Opcode = 50
	OpSelfTestFull         Opcode = 53
	OpReadCurrentTicks     Opcode = 86
	OpDAAJoin              Opcode = 91
	OpDAASign              Opcode = 92
)

// String returns the string representation of an Opcode
func (o Opcode) String() string {
	switch o {
	case OpError:
		return "error"
	case OpOpenContext:
		return "openContext"
	case OpCloseContext:
		return "closeContext"
	case OpFreeMemory:
		return "freeMemory"
	case OpTCSGetCapability:
		return "tcsGetCapability"
	case OpRegisterKey:
		return "registerKey"
	case OpUnregisterKey:
		return "unregisterKey"
	case OpEnumRegisteredKeys:
		return "enumRegisteredKeys"
	case OpGetRegisteredKey:
		return "getRegisteredKey"
	case OpGetRegisteredKeyBlob:
		return "getRegisteredKeyBlob"
	case OpLoadKeyByBlob:
		return "loadKeyByBlob"
	case OpLoadKeyByUUID:
		return "loadKeyByUUID"
	case OpEvictKey:
		return "evictKey"
	case OpLogPcrEvent:
		return "logPcrEvent"
	case OpGetPcrEvent:
		return "getPcrEvent"
	case OpSetOwnerInstall:
		return "setOwnerInstall"
	case OpTakeOwnership:
		return "takeOwnership"
	case OpOIAP:
		return "oiap"
	case OpOSAP:
		return "osap"
	case OpChangeAuth:
		return "changeAuth"
	case OpTerminateHandle:
		return "terminateHandle"
	case OpExtend:
		return "extend"
	case OpPcrRead:
		return "pcrRead"
	case OpGetRandom:
		return "getRandom"
	case OpStirRandom:
		return "stirRandom"
	case OpGetCapability:
		return "getCapability"
	case OpReadPubek:
		return "readPubek"
	case OpSelfTestFull:
		return "selfTestFull"
	case OpReadCurrentTicks:
		return "readCurrentTicks"
	case OpDAAJoin:
		return "daaJoin"
	case OpDAASign:
		return "daaSign"
	default:
		return fmt.Sprintf("opcode(%d)", uint32(o))
	}
}

// --------------------------------------------------------------------------
// Type tags
// --------------------------------------------------------------------------

// TypeTag describes how a single parameter is encoded. Packets carry one tag per
// parameter so the receiver can detect a desynchronized stream.
type TypeTag uint32

const (
	TypeUint32      TypeTag = 1
	TypeBytes       TypeTag = 2 // variable length, the length travels in a preceding parameter
	TypeUint16      TypeTag = 3
	TypeByte        TypeTag = 4
	TypeUUID        TypeTag = 5
	TypeAuth        TypeTag = 6
	TypeDigest      TypeTag = 7
	TypeNonce       TypeTag = 8
	TypeSecret      TypeTag = 9
	TypeKMKeyInfo   TypeTag = 10
	TypeLoadKeyInfo TypeTag = 11
	TypePCREvent    TypeTag = 12
	TypeUint64      TypeTag = 14
	TypeBool        TypeTag = 16
	TypeVersion     TypeTag = 17
)

// String returns the string representation of a TypeTag
func (t TypeTag) String() string {
	switch t {
	case TypeUint32:
		return "uint32"
	case TypeBytes:
		return "bytes"
	case TypeUint16:
		return "uint16"
	case TypeByte:
		return "byte"
	case TypeUUID:
		return "uuid"
	case TypeAuth:
		return "auth"
	case TypeDigest:
		return "digest"
	case TypeNonce:
		return "nonce"
	case TypeSecret:
		return "secret"
	case TypeKMKeyInfo:
		return "kmKeyInfo"
	case TypeLoadKeyInfo:
		return "loadKeyInfo"
	case TypePCREvent:
		return "pcrEvent"
	case TypeUint64:
		return "uint64"
	case TypeBool:
		return "bool"
	case TypeVersion:
		return "version"
	default:
		return fmt.Sprintf("tag(%d)", uint32(t))
	}
}

// --------------------------------------------------------------------------
// Fixed size records
// --------------------------------------------------------------------------

// DigestSize is the size of nonces, digests and secrets (SHA-1)
const DigestSize = 20

// Nonce is a 20 byte anti-replay value
type Nonce [DigestSize]byte

// Digest is a 20 byte SHA-1 digest
type Digest [DigestSize]byte

// Secret is 20 bytes of authorization data
type Secret [DigestSize]byte

// UUID identifies a key in the persistent key store. The wire layout (time low,
// time mid, time high, clock seq high, clock seq low, node) matches RFC 4122 byte order.
type UUID struct {
	TimeLow      uint32
	TimeMid      uint16
	TimeHigh     uint16
	ClockSeqHigh byte
	ClockSeqLow  byte
	Node         [6]byte
}

// UUIDFrom converts a RFC 4122 uuid
func UUIDFrom(u uuid.UUID) UUID {
	return UUID{
		TimeLow:      uint32(u[0])<<24 | uint32(u[1])<<16 | uint32(u[2])<<8 | uint32(u[3]),
		TimeMid:      uint16(u[4])<<8 | uint16(u[5]),
		TimeHigh:     uint16(u[6])<<8 | uint16(u[7]),
		ClockSeqHigh: u[8],
		ClockSeqLow:  u[9],
		Node:         [6]byte{u[10], u[11], u[12], u[13], u[14], u[15]},
	}
}

// ParseUUID parses the canonical textual form of a uuid
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, err
	}
	return UUIDFrom(u), nil
}

// RFC4122 returns the uuid in its RFC 4122 representation
func (u UUID) RFC4122() uuid.UUID {
	var r uuid.UUID
	r[0], r[1], r[2], r[3] = byte(u.TimeLow>>24), byte(u.TimeLow>>16), byte(u.TimeLow>>8), byte(u.TimeLow)
	r[4], r[5] = byte(u.TimeMid>>8), byte(u.TimeMid)
	r[6], r[7] = byte(u.TimeHigh>>8), byte(u.TimeHigh)
	r[8], r[9] = u.ClockSeqHigh, u.ClockSeqLow
	copy(r[10:], u.Node[:])
	return r
}

// String returns the canonical textual form
func (u UUID) String() string {
	return u.RFC4122().String()
}

// AuthSession carries the authorization state of one command session
type AuthSession struct {
	AuthHandle   uint32
	NonceOdd     Nonce
	NonceEven    Nonce
	ContinueAuth bool
	HMAC         Digest
}

// Version is the structure version of TPM 1.x records
type Version struct {
	Major    byte
	Minor    byte
	RevMajor byte
	RevMinor byte
}

// String returns the version as major.minor.revMajor.revMinor
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.RevMajor, v.RevMinor)
}

// LoadKeyInfo is passed along with LoadKeyByUUID when the parent key requires authorization
type LoadKeyInfo struct {
	KeyUUID       UUID
	ParentKeyUUID UUID
	ParamDigest   Digest
	AuthData      AuthSession
}

// --------------------------------------------------------------------------
// Self delimiting records (contain variable length data)
// --------------------------------------------------------------------------

// KMKeyInfo describes a key registered in the persistent store
type KMKeyInfo struct {
	Version       Version
	KeyUUID       UUID
	ParentKeyUUID UUID
	AuthDataUsage byte
	IsLoaded      bool
	VendorData    []byte
}

// PCREvent is one entry of the measurement event log
type PCREvent struct {
	Version   Version
	PcrIndex  uint32
	EventType uint32
	PcrValue  []byte
	Event     []byte
}

// SRKUUID is the well known uuid of the storage root key, the root of the key hierarchy
var SRKUUID = UUID{Node: [6]byte{0, 0, 0, 0, 0, 1}}

// --------------------------------------------------------------------------
// Capabilities
// --------------------------------------------------------------------------

// CapArea selects what TCSGetCapability reports
type CapArea uint32

const (
	CapAlg          CapArea = 1 // sub capability: algorithm id, reply: one bool byte
	CapVersion      CapArea = 2 // reply: Version
	CapCaching      CapArea = 3 // sub capability: resource type, reply: one bool byte
	CapPersStorage  CapArea = 4 // reply: one bool byte
	CapManufacturer CapArea = 5 // reply: vendor id as 4 ascii bytes
)

// String returns the string representation of a CapArea
func (a CapArea) String() string {
	switch a {
	case CapAlg:
		return "alg"
	case CapVersion:
		return "version"
	case CapCaching:
		return "caching"
	case CapPersStorage:
		return "persistentStorage"
	case CapManufacturer:
		return "manufacturer"
	default:
		return fmt.Sprintf("cap(%d)", uint32(a))
	}
}
