package serializer

import (
	"fmt"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
)

// --------------------------------------------------------------------------
// Parameter lists
// --------------------------------------------------------------------------

// Param is one typed value of a packet
type Param struct {
	Tag   common.TypeTag
	Value interface{}
}

// String returns a short description used in debug logs
func (p Param) String() string {
	if p.Tag == common.TypeBytes {
		if v, ok := p.Value.([]byte); ok {
			return fmt.Sprintf("%s[%d]", p.Tag, len(v))
		}
	}
	return fmt.Sprintf("%s(%v)", p.Tag, p.Value)
}

func ParamByte(v byte) Param                      { return Param{common.TypeByte, v} }
func ParamBool(v bool) Param                      { return Param{common.TypeBool, v} }
func ParamUint16(v uint16) Param                  { return Param{common.TypeUint16, v} }
func ParamUint32(v uint32) Param                  { return Param{common.TypeUint32, v} }
func ParamUint64(v uint64) Param                  { return Param{common.TypeUint64, v} }
func ParamBytes(v []byte) Param                   { return Param{common.TypeBytes, v} }
func ParamNonce(v common.Nonce) Param             { return Param{common.TypeNonce, v} }
func ParamDigest(v common.Digest) Param           { return Param{common.TypeDigest, v} }
func ParamSecret(v common.Secret) Param           { return Param{common.TypeSecret, v} }
func ParamUUID(v common.UUID) Param               { return Param{common.TypeUUID, v} }
func ParamAuth(v common.AuthSession) Param        { return Param{common.TypeAuth, v} }
func ParamVersion(v common.Version) Param         { return Param{common.TypeVersion, v} }
func ParamLoadKeyInfo(v common.LoadKeyInfo) Param { return Param{common.TypeLoadKeyInfo, v} }
func ParamKMKeyInfo(v common.KMKeyInfo) Param     { return Param{common.TypeKMKeyInfo, v} }
func ParamPCREvent(v common.PCREvent) Param       { return Param{common.TypePCREvent, v} }

// ParamSized returns the length prefix and the array as two parameters,
// the way variable length data travels
func ParamSized(v []byte) []Param {
	return []Param{ParamUint32(uint32(len(v))), ParamBytes(v)}
}

// AppendAll appends params in order, starting with the next free index
func (b *Buffer) AppendAll(params ...Param) error {
	for _, p := range params {
		if err := b.Append(int(b.Header.NumParms), p.Tag, p.Value); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Sequential reader
// --------------------------------------------------------------------------

// Reader extracts parameters in positional order. The first failure is sticky:
// later calls return zero values and Err reports the failure.
type Reader struct {
	b     *Buffer
	index int
	err   error
}

// NewReader returns a reader starting at parameter 0 of a decoded buffer
func NewReader(b *Buffer) *Reader {
	return &Reader{b: b}
}

// Err returns the first extraction failure
func (r *Reader) Err() error {
	return r.err
}

// Index returns the index of the next parameter
func (r *Reader) Index() int {
	return r.index
}

func (r *Reader) extract(tag common.TypeTag, out interface{}) {
	if r.err != nil {
		return
	}
	if err := r.b.Extract(r.index, tag, out); err != nil {
		r.err = err
		return
	}
	r.index++
}

func (r *Reader) Byte() (v byte) {
	r.extract(common.TypeByte, &v)
	return
}

func (r *Reader) Bool() (v bool) {
	r.extract(common.TypeBool, &v)
	return
}

func (r *Reader) Uint16() (v uint16) {
	r.extract(common.TypeUint16, &v)
	return
}

func (r *Reader) Uint32() (v uint32) {
	r.extract(common.TypeUint32, &v)
	return
}

func (r *Reader) Uint64() (v uint64) {
	r.extract(common.TypeUint64, &v)
	return
}

func (r *Reader) Nonce() (v common.Nonce) {
	r.extract(common.TypeNonce, &v)
	return
}

func (r *Reader) Digest() (v common.Digest) {
	r.extract(common.TypeDigest, &v)
	return
}

func (r *Reader) Secret() (v common.Secret) {
	r.extract(common.TypeSecret, &v)
	return
}

func (r *Reader) UUID() (v common.UUID) {
	r.extract(common.TypeUUID, &v)
	return
}

func (r *Reader) Auth() (v common.AuthSession) {
	r.extract(common.TypeAuth, &v)
	return
}

func (r *Reader) Version() (v common.Version) {
	r.extract(common.TypeVersion, &v)
	return
}

func (r *Reader) LoadKeyInfo() (v common.LoadKeyInfo) {
	r.extract(common.TypeLoadKeyInfo, &v)
	return
}

func (r *Reader) KMKeyInfo() (v common.KMKeyInfo) {
	r.extract(common.TypeKMKeyInfo, &v)
	return
}

func (r *Reader) PCREvent() (v common.PCREvent) {
	r.extract(common.TypePCREvent, &v)
	return
}

// Bytes extracts a byte array of length n
func (r *Reader) Bytes(n uint32) []byte {
	if r.err != nil {
		return nil
	}
	out, err := r.b.ExtractBytes(r.index, n)
	if err != nil {
		r.err = err
		return nil
	}
	r.index++
	return out
}

// Sized extracts a uint32 length followed by a byte array of that length
func (r *Reader) Sized() []byte {
	n := r.Uint32()
	return r.Bytes(n)
}

// Done fails with a desync if the packet carries parameters that were not read
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if uint32(r.index) != r.b.Header.NumParms {
		return fmt.Errorf("%d parameters left unread: %w", int(r.b.Header.NumParms)-r.index, common.ErrDesync)
	}
	return nil
}
