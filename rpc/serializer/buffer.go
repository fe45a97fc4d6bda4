package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/google/go-tpm/tpmutil"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("tcs/serializer")

// --------------------------------------------------------------------------
// Header
// --------------------------------------------------------------------------

// Phase selects the meaning of the second header field
type Phase uint8

const (
	PhaseRequest  Phase = iota // the field carries an Opcode
	PhaseResponse              // the field carries a ResultCode
)

// String returns the string representation of a Phase
func (p Phase) String() string {
	if p == PhaseResponse {
		return "response"
	}
	return "request"
}

// Header is the fixed size packet header. Opcode and Result occupy the same wire
// slot, which one is valid depends on the buffer's Phase.
type Header struct {
	PacketSize uint32
	Opcode     common.Opcode
	Result     common.ResultCode
	NumParms   uint32
	TypeSize   uint32
	TypeOffset uint32
	ParmSize   uint32
	ParmOffset uint32
}

// wireHeader is the header as it travels, field order is fixed
type wireHeader struct {
	PacketSize uint32
	OpOrResult uint32
	NumParms   uint32
	TypeSize   uint32
	TypeOffset uint32
	ParmSize   uint32
	ParmOffset uint32
}

// --------------------------------------------------------------------------
// Communication Buffer
// --------------------------------------------------------------------------

// Buffer is a growable packet buffer. It is reused for every call on a connection:
// Reset starts a new packet, Append adds parameters, Seal writes the header.
// After a packet has been received Decode validates it and Extract reads it.
//
// The capacity never shrinks and is always >= Header.PacketSize.
// A Buffer is not safe for concurrent use.
type Buffer struct {
	Header Header
	Phase  Phase

	raw   []byte // len(raw) is the capacity
	slots uint32 // reserved entries in the type area

	// read cursor into the parameter area, only valid once decoded is set
	readPos   uint32
	remaining uint32
	decoded   bool

	maxSize uint32
	grows   int
}

// NewBuffer creates a buffer with the given initial capacity. maxSize bounds growth,
// 0 means common.DefaultMaxPacketSize.
func NewBuffer(capacity uint32, maxSize uint32) *Buffer {
	if capacity < common.HeaderSize {
		capacity = common.HeaderSize
	}
	if maxSize == 0 {
		maxSize = common.DefaultMaxPacketSize
	}
	return &Buffer{
		raw:     make([]byte, capacity),
		maxSize: maxSize,
	}
}

// Cap returns the current capacity in bytes
func (b *Buffer) Cap() int {
	return len(b.raw)
}

// Grows returns how often the buffer had to be reallocated
func (b *Buffer) Grows() int {
	return b.grows
}

// Reset starts a new request packet with room for numParms type tags
func (b *Buffer) Reset(numParms int) {
	b.reset(numParms, PhaseRequest)
}

// ResetResponse starts a new response packet carrying result
func (b *Buffer) ResetResponse(numParms int, result common.ResultCode) {
	b.reset(numParms, PhaseResponse)
	b.Header.Result = result
}

func (b *Buffer) reset(numParms int, phase Phase) {
	if numParms < 0 {
		numParms = 0
	}
	b.Header = Header{}
	b.Phase = phase
	b.slots = uint32(numParms)
	b.readPos = 0
	b.remaining = 0
	b.decoded = false

	b.Header.TypeOffset = common.HeaderSize
	b.Header.ParmOffset = b.Header.TypeOffset + common.TagSize*b.slots
	b.Header.PacketSize = b.Header.ParmOffset

	// room for the type area is needed before anything can be appended
	if uint32(len(b.raw)) < b.Header.PacketSize {
		b.raw = make([]byte, b.Header.PacketSize)
		b.grows++
	} else {
		clear(b.raw)
	}
}

// Grow makes sure the capacity is at least size. It reallocates at most once
// and keeps every byte written so far at its offset.
func (b *Buffer) Grow(size uint32) error {
	if size <= uint32(len(b.raw)) {
		return nil
	}
	if size > b.maxSize {
		return fmt.Errorf("cannot grow buffer to %d bytes (limit %d): %w", size, b.maxSize, common.ErrOutOfMemory)
	}
	grown := make([]byte, size)
	copy(grown, b.raw)
	Logger.Debugf("grew buffer from %d to %d bytes", len(b.raw), size)
	b.raw = grown
	b.grows++
	return nil
}

// SetOpcode sets the opcode of a request packet
func (b *Buffer) SetOpcode(op common.Opcode) {
	b.Header.Opcode = op
}

// Opcode returns the opcode of a request packet
func (b *Buffer) Opcode() common.Opcode {
	return b.Header.Opcode
}

// Result returns the result code of a response packet
func (b *Buffer) Result() common.ResultCode {
	return b.Header.Result
}

// Seal encodes the header into the first bytes of the packet
func (b *Buffer) Seal() error {
	wire := wireHeader{
		PacketSize: b.Header.PacketSize,
		NumParms:   b.Header.NumParms,
		TypeSize:   b.Header.TypeSize,
		TypeOffset: b.Header.TypeOffset,
		ParmSize:   b.Header.ParmSize,
		ParmOffset: b.Header.ParmOffset,
	}
	if b.Phase == PhaseResponse {
		wire.OpOrResult = uint32(b.Header.Result)
	} else {
		wire.OpOrResult = uint32(b.Header.Opcode)
	}

	hdr, err := tpmutil.Pack(wire)
	if err != nil {
		return fmt.Errorf("cannot pack header: %v: %w", err, common.ErrMarshal)
	}
	copy(b.raw[:common.HeaderSize], hdr)
	return nil
}

// Bytes returns the packet, i.e. the first Header.PacketSize bytes
func (b *Buffer) Bytes() []byte {
	return b.raw[:b.Header.PacketSize]
}

// HeaderBytes returns the region a received header is read into
func (b *Buffer) HeaderBytes() []byte {
	return b.raw[:common.HeaderSize]
}

// PeekPacketSize returns the packet size announced by the header in HeaderBytes
func (b *Buffer) PeekPacketSize() uint32 {
	return binary.BigEndian.Uint32(b.raw[:4])
}

// Window returns raw[from:to]. The caller must have grown the buffer to at least to.
func (b *Buffer) Window(from, to uint32) []byte {
	return b.raw[from:to]
}

// Decode parses the header of a received packet and prepares the read cursor.
// A header whose areas do not fit inside the packet is a desync.
func (b *Buffer) Decode(phase Phase) error {
	var wire wireHeader
	if _, err := tpmutil.Unpack(b.raw[:common.HeaderSize], &wire); err != nil {
		return fmt.Errorf("cannot unpack header: %v: %w", err, common.ErrDesync)
	}

	if wire.PacketSize < common.HeaderSize || wire.PacketSize > uint32(len(b.raw)) {
		return fmt.Errorf("invalid packet size %d: %w", wire.PacketSize, common.ErrDesync)
	}
	if !within(wire.TypeOffset, wire.TypeSize, wire.PacketSize) || wire.TypeOffset < common.HeaderSize {
		return fmt.Errorf("type area [%d+%d] outside packet of %d bytes: %w", wire.TypeOffset, wire.TypeSize, wire.PacketSize, common.ErrDesync)
	}
	if !within(wire.ParmOffset, wire.ParmSize, wire.PacketSize) || wire.ParmOffset < common.HeaderSize {
		return fmt.Errorf("parameter area [%d+%d] outside packet of %d bytes: %w", wire.ParmOffset, wire.ParmSize, wire.PacketSize, common.ErrDesync)
	}
	if uint64(wire.NumParms)*common.TagSize > uint64(wire.TypeSize) {
		return fmt.Errorf("%d parameters but only %d bytes of type tags: %w", wire.NumParms, wire.TypeSize, common.ErrDesync)
	}

	b.Phase = phase
	b.Header = Header{
		PacketSize: wire.PacketSize,
		NumParms:   wire.NumParms,
		TypeSize:   wire.TypeSize,
		TypeOffset: wire.TypeOffset,
		ParmSize:   wire.ParmSize,
		ParmOffset: wire.ParmOffset,
	}
	if phase == PhaseResponse {
		b.Header.Result = common.ResultCode(wire.OpOrResult)
	} else {
		b.Header.Opcode = common.Opcode(wire.OpOrResult)
	}
	b.slots = wire.NumParms
	b.readPos = wire.ParmOffset
	b.remaining = wire.ParmSize
	b.decoded = true
	return nil
}

// within reports whether [offset, offset+size) lies inside [0, limit)
func within(offset, size, limit uint32) bool {
	return uint64(offset)+uint64(size) <= uint64(limit)
}
