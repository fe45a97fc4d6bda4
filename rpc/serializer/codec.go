package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/google/go-tpm/tpmutil"
)

// fixed encoded widths, records with variable data are sized from their content
var fixedSizes = map[common.TypeTag]uint32{
	common.TypeByte:        1,
	common.TypeBool:        1,
	common.TypeUint16:      2,
	common.TypeUint32:      4,
	common.TypeUint64:      8,
	common.TypeNonce:       common.DigestSize,
	common.TypeDigest:      common.DigestSize,
	common.TypeSecret:      common.DigestSize,
	common.TypeUUID:        16,
	common.TypeAuth:        4 + 2*common.DigestSize + 1 + common.DigestSize,
	common.TypeVersion:     4,
	common.TypeLoadKeyInfo: 2*16 + common.DigestSize + 4 + 2*common.DigestSize + 1 + common.DigestSize,
}

// --------------------------------------------------------------------------
// Wire forms of self delimiting records
// --------------------------------------------------------------------------

type wireKMKeyInfo struct {
	Version       common.Version
	KeyUUID       common.UUID
	ParentKeyUUID common.UUID
	AuthDataUsage byte
	IsLoaded      bool
	VendorData    tpmutil.U32Bytes
}

// kmKeyInfoPrefix is the size of the fields in front of the vendor data length
const kmKeyInfoPrefix = 4 + 16 + 16 + 1 + 1

type wirePCREvent struct {
	Version   common.Version
	PcrIndex  uint32
	EventType uint32
	PcrValue  tpmutil.U32Bytes
	Event     tpmutil.U32Bytes
}

// pcrEventPrefix is the size of the fields in front of the pcr value length
const pcrEventPrefix = 4 + 4 + 4

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// encode returns the network byte order encoding of value for tag. The Go type
// of value must match the tag exactly.
func encode(tag common.TypeTag, value interface{}) ([]byte, error) {
	var packable interface{}

	switch tag {
	case common.TypeByte:
		v, ok := value.(byte)
		if !ok {
			return nil, mismatch(tag, value)
		}
		return []byte{v}, nil
	case common.TypeBool:
		v, ok := value.(bool)
		if !ok {
			return nil, mismatch(tag, value)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case common.TypeUint16:
		v, ok := value.(uint16)
		if !ok {
			return nil, mismatch(tag, value)
		}
		return binary.BigEndian.AppendUint16(nil, v), nil
	case common.TypeUint32:
		v, ok := value.(uint32)
		if !ok {
			return nil, mismatch(tag, value)
		}
		return binary.BigEndian.AppendUint32(nil, v), nil
	case common.TypeUint64:
		v, ok := value.(uint64)
		if !ok {
			return nil, mismatch(tag, value)
		}
		return binary.BigEndian.AppendUint64(nil, v), nil
	case common.TypeBytes:
		v, ok := value.([]byte)
		if !ok {
			return nil, mismatch(tag, value)
		}
		return v, nil
	case common.TypeNonce:
		v, ok := value.(common.Nonce)
		if !ok {
			return nil, mismatch(tag, value)
		}
		packable = v
	case common.TypeDigest:
		v, ok := value.(common.Digest)
		if !ok {
			return nil, mismatch(tag, value)
		}
		packable = v
	case common.TypeSecret:
		v, ok := value.(common.Secret)
		if !ok {
			return nil, mismatch(tag, value)
		}
		packable = v
	case common.TypeUUID:
		v, ok := value.(common.UUID)
		if !ok {
			return nil, mismatch(tag, value)
		}
		packable = v
	case common.TypeAuth:
		v, ok := value.(common.AuthSession)
		if !ok {
			return nil, mismatch(tag, value)
		}
		packable = v
	case common.TypeVersion:
		v, ok := value.(common.Version)
		if !ok {
			return nil, mismatch(tag, value)
		}
		packable = v
	case common.TypeLoadKeyInfo:
		v, ok := value.(common.LoadKeyInfo)
		if !ok {
			return nil, mismatch(tag, value)
		}
		packable = v
	case common.TypeKMKeyInfo:
		v, ok := value.(common.KMKeyInfo)
		if !ok {
			return nil, mismatch(tag, value)
		}
		packable = wireKMKeyInfo{
			Version:       v.Version,
			KeyUUID:       v.KeyUUID,
			ParentKeyUUID: v.ParentKeyUUID,
			AuthDataUsage: v.AuthDataUsage,
			IsLoaded:      v.IsLoaded,
			VendorData:    v.VendorData,
		}
	case common.TypePCREvent:
		v, ok := value.(common.PCREvent)
		if !ok {
			return nil, mismatch(tag, value)
		}
		packable = wirePCREvent{
			Version:   v.Version,
			PcrIndex:  v.PcrIndex,
			EventType: v.EventType,
			PcrValue:  v.PcrValue,
			Event:     v.Event,
		}
	default:
		return nil, fmt.Errorf("unsupported type tag %s: %w", tag, common.ErrMarshal)
	}

	out, err := tpmutil.Pack(packable)
	if err != nil {
		return nil, fmt.Errorf("cannot pack %s: %v: %w", tag, err, common.ErrMarshal)
	}
	return out, nil
}

func mismatch(tag common.TypeTag, value interface{}) error {
	return fmt.Errorf("value of type %T cannot be encoded as %s: %w", value, tag, common.ErrMarshal)
}

// --------------------------------------------------------------------------
// Append
// --------------------------------------------------------------------------

// Append encodes value as parameter index of the packet. Parameters are appended in
// positional order, index must equal the number of parameters appended so far and
// lie within the slots reserved by Reset. If the value does not fit the buffer is
// grown exactly once to the new packet size.
func (b *Buffer) Append(index int, tag common.TypeTag, value interface{}) error {
	if index < 0 || uint32(index) >= b.slots {
		return fmt.Errorf("parameter index %d outside of %d reserved slots: %w", index, b.slots, common.ErrMarshal)
	}
	if uint32(index) != b.Header.NumParms {
		return fmt.Errorf("parameter %d appended out of order (expected %d): %w", index, b.Header.NumParms, common.ErrMarshal)
	}

	encoded, err := encode(tag, value)
	if err != nil {
		return err
	}

	length := uint64(len(encoded))
	if uint64(b.Header.PacketSize)+length > uint64(b.maxSize) {
		return fmt.Errorf("packet of %d bytes exceeds limit of %d: %w", uint64(b.Header.PacketSize)+length, b.maxSize, common.ErrOutOfMemory)
	}
	if err := b.Grow(b.Header.PacketSize + uint32(length)); err != nil {
		return err
	}

	// the parameter area always ends at the end of the packet
	copy(b.raw[b.Header.PacketSize:], encoded)
	tagPos := b.Header.TypeOffset + common.TagSize*uint32(index)
	binary.BigEndian.PutUint32(b.raw[tagPos:tagPos+common.TagSize], uint32(tag))

	b.Header.ParmSize += uint32(length)
	b.Header.TypeSize += common.TagSize
	b.Header.NumParms++
	b.Header.PacketSize += uint32(length)
	return nil
}

// --------------------------------------------------------------------------
// Extract
// --------------------------------------------------------------------------

// TagAt returns the type tag recorded for parameter index
func (b *Buffer) TagAt(index int) (common.TypeTag, error) {
	if index < 0 || uint32(index) >= b.Header.NumParms {
		return 0, fmt.Errorf("parameter %d requested but packet has %d: %w", index, b.Header.NumParms, common.ErrDesync)
	}
	tagPos := b.Header.TypeOffset + common.TagSize*uint32(index)
	return common.TypeTag(binary.BigEndian.Uint32(b.raw[tagPos : tagPos+common.TagSize])), nil
}

// Extract decodes parameter index into out, which must point to the Go type of tag.
// The parameter must be recorded with exactly tag, otherwise the stream is out of sync.
// The packet must have passed Decode first. For TypeBytes use ExtractBytes.
func (b *Buffer) Extract(index int, tag common.TypeTag, out interface{}) error {
	if err := b.expect(index, tag); err != nil {
		return err
	}
	if tag == common.TypeBytes {
		return fmt.Errorf("byte arrays need an explicit length: %w", common.ErrMarshal)
	}

	window := b.raw[b.readPos : b.readPos+b.remaining]
	length, err := encodedLength(tag, window)
	if err != nil {
		return err
	}

	if err := decode(tag, window[:length], out); err != nil {
		return err
	}
	b.advance(length)
	return nil
}

// ExtractBytes decodes parameter index as a byte array of length n. The returned
// slice is freshly allocated and does not alias the buffer.
func (b *Buffer) ExtractBytes(index int, n uint32) ([]byte, error) {
	if err := b.expect(index, common.TypeBytes); err != nil {
		return nil, err
	}
	if n > b.remaining {
		return nil, fmt.Errorf("byte array of %d bytes but only %d left: %w", n, b.remaining, common.ErrDesync)
	}
	out := make([]byte, n)
	copy(out, b.raw[b.readPos:b.readPos+n])
	b.advance(n)
	return out, nil
}

// Remaining returns the number of unread bytes in the parameter area
func (b *Buffer) Remaining() uint32 {
	return b.remaining
}

func (b *Buffer) expect(index int, tag common.TypeTag) error {
	if !b.decoded {
		return fmt.Errorf("packet must be decoded before parameter %d can be extracted: %w", index, common.ErrMarshal)
	}
	recorded, err := b.TagAt(index)
	if err != nil {
		return err
	}
	if recorded != tag {
		return fmt.Errorf("parameter %d is %s, expected %s: %w", index, recorded, tag, common.ErrDesync)
	}
	return nil
}

func (b *Buffer) advance(n uint32) {
	b.readPos += n
	b.remaining -= n
}

// encodedLength returns how many bytes of window the value of tag occupies.
// Length fields inside records are checked against the window before anything is allocated.
func encodedLength(tag common.TypeTag, window []byte) (uint32, error) {
	avail := uint64(len(window))
	short := func(need uint64) error {
		return fmt.Errorf("%s needs %d bytes but only %d left: %w", tag, need, avail, common.ErrDesync)
	}

	if size, ok := fixedSizes[tag]; ok {
		if uint64(size) > avail {
			return 0, short(uint64(size))
		}
		return size, nil
	}

	switch tag {
	case common.TypeKMKeyInfo:
		need := uint64(kmKeyInfoPrefix + 4)
		if need > avail {
			return 0, short(need)
		}
		need += uint64(binary.BigEndian.Uint32(window[kmKeyInfoPrefix:]))
		if need > avail {
			return 0, short(need)
		}
		return uint32(need), nil
	case common.TypePCREvent:
		need := uint64(pcrEventPrefix + 4)
		if need > avail {
			return 0, short(need)
		}
		need += uint64(binary.BigEndian.Uint32(window[pcrEventPrefix:]))
		if need+4 > avail {
			return 0, short(need + 4)
		}
		need += 4 + uint64(binary.BigEndian.Uint32(window[need:]))
		if need > avail {
			return 0, short(need)
		}
		return uint32(need), nil
	default:
		return 0, fmt.Errorf("unsupported type tag %s: %w", tag, common.ErrMarshal)
	}
}

// decode unpacks data, which holds exactly one value of tag, into out
func decode(tag common.TypeTag, data []byte, out interface{}) error {
	wrongOut := fmt.Errorf("cannot decode %s into %T: %w", tag, out, common.ErrMarshal)

	var target interface{}
	switch tag {
	case common.TypeByte:
		p, ok := out.(*byte)
		if !ok {
			return wrongOut
		}
		*p = data[0]
		return nil
	case common.TypeBool:
		p, ok := out.(*bool)
		if !ok {
			return wrongOut
		}
		*p = data[0] != 0
		return nil
	case common.TypeUint16:
		p, ok := out.(*uint16)
		if !ok {
			return wrongOut
		}
		*p = binary.BigEndian.Uint16(data)
		return nil
	case common.TypeUint32:
		p, ok := out.(*uint32)
		if !ok {
			return wrongOut
		}
		*p = binary.BigEndian.Uint32(data)
		return nil
	case common.TypeUint64:
		p, ok := out.(*uint64)
		if !ok {
			return wrongOut
		}
		*p = binary.BigEndian.Uint64(data)
		return nil
	case common.TypeNonce:
		if _, ok := out.(*common.Nonce); !ok {
			return wrongOut
		}
		target = out
	case common.TypeDigest:
		if _, ok := out.(*common.Digest); !ok {
			return wrongOut
		}
		target = out
	case common.TypeSecret:
		if _, ok := out.(*common.Secret); !ok {
			return wrongOut
		}
		target = out
	case common.TypeUUID:
		if _, ok := out.(*common.UUID); !ok {
			return wrongOut
		}
		target = out
	case common.TypeAuth:
		if _, ok := out.(*common.AuthSession); !ok {
			return wrongOut
		}
		target = out
	case common.TypeVersion:
		if _, ok := out.(*common.Version); !ok {
			return wrongOut
		}
		target = out
	case common.TypeLoadKeyInfo:
		if _, ok := out.(*common.LoadKeyInfo); !ok {
			return wrongOut
		}
		target = out
	case common.TypeKMKeyInfo:
		p, ok := out.(*common.KMKeyInfo)
		if !ok {
			return wrongOut
		}
		var wire wireKMKeyInfo
		if _, err := tpmutil.Unpack(data, &wire); err != nil {
			return fmt.Errorf("cannot unpack %s: %v: %w", tag, err, common.ErrDesync)
		}
		*p = common.KMKeyInfo{
			Version:       wire.Version,
			KeyUUID:       wire.KeyUUID,
			ParentKeyUUID: wire.ParentKeyUUID,
			AuthDataUsage: wire.AuthDataUsage,
			IsLoaded:      wire.IsLoaded,
			VendorData:    []byte(wire.VendorData),
		}
		return nil
	case common.TypePCREvent:
		p, ok := out.(*common.PCREvent)
		if !ok {
			return wrongOut
		}
		var wire wirePCREvent
		if _, err := tpmutil.Unpack(data, &wire); err != nil {
			return fmt.Errorf("cannot unpack %s: %v: %w", tag, err, common.ErrDesync)
		}
		*p = common.PCREvent{
			Version:   wire.Version,
			PcrIndex:  wire.PcrIndex,
			EventType: wire.EventType,
			PcrValue:  []byte(wire.PcrValue),
			Event:     []byte(wire.Event),
		}
		return nil
	default:
		return fmt.Errorf("unsupported type tag %s: %w", tag, common.ErrMarshal)
	}

	if _, err := tpmutil.Unpack(data, target); err != nil {
		return fmt.Errorf("cannot unpack %s: %v: %w", tag, err, common.ErrDesync)
	}
	return nil
}
