package serializer

import (
	"encoding/hex"
	"encoding/json"
)

// packetDescription is the JSON form of a packet used in debug logs
type packetDescription struct {
	Phase      string   `json:"phase"`
	Opcode     string   `json:"opcode,omitempty"`
	Result     uint32   `json:"result,omitempty"`
	PacketSize uint32   `json:"packet_size"`
	Capacity   int      `json:"capacity"`
	Tags       []string `json:"tags"`
	Parms      string   `json:"parms,omitempty"`
}

// Describe renders the packet held by b as JSON. It does not move the read cursor.
func Describe(b *Buffer) ([]byte, error) {
	d := packetDescription{
		Phase:      b.Phase.String(),
		PacketSize: b.Header.PacketSize,
		Capacity:   b.Cap(),
		Tags:       make([]string, 0, b.Header.NumParms),
	}
	if b.Phase == PhaseRequest {
		d.Opcode = b.Header.Opcode.String()
	} else {
		d.Result = uint32(b.Header.Result)
	}

	for i := 0; i < int(b.Header.NumParms); i++ {
		tag, err := b.TagAt(i)
		if err != nil {
			return nil, err
		}
		d.Tags = append(d.Tags, tag.String())
	}

	if within(b.Header.ParmOffset, b.Header.ParmSize, uint32(len(b.raw))) {
		d.Parms = hex.EncodeToString(b.raw[b.Header.ParmOffset : b.Header.ParmOffset+b.Header.ParmSize])
	}

	return json.Marshal(d)
}
