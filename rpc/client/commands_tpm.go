package client

import (
	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
)

// --------------------------------------------------------------------------
// Capabilities and self test
// --------------------------------------------------------------------------

// GetCapability queries a capability of the daemon
func (c *Client) GetCapability(handle common.ContextHandle, area common.CapArea, subCap []byte) ([]byte, error) {
	var resp []byte
	in := sized(params(serializer.ParamUint32(uint32(area))), subCap)
	err := c.invoke(handle, common.OpTCSGetCapability, in, func(r *serializer.Reader) {
		resp = r.Sized()
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SelfTestFull(handle common.ContextHandle) error {
	return c.invoke(handle, common.OpSelfTestFull, nil, nil)
}

func (c *Client) SetOwnerInstall(handle common.ContextHandle, state bool) error {
	return c.invoke(handle, common.OpSetOwnerInstall, params(serializer.ParamBool(state)), nil)
}

// ReadCurrentTicks returns the TPM tick counter
func (c *Client) ReadCurrentTicks(handle common.ContextHandle) (uint64, error) {
	var ticks uint64
	err := c.invoke(handle, common.OpReadCurrentTicks, nil, func(r *serializer.Reader) {
		ticks = r.Uint64()
	})
	if err != nil {
		return 0, err
	}
	return ticks, nil
}

// --------------------------------------------------------------------------
// PCRs
// --------------------------------------------------------------------------

// Extend extends pcr with digest and returns the new pcr value
func (c *Client) Extend(handle common.ContextHandle, pcr uint32, digest common.Digest) (common.Digest, error) {
	var value common.Digest
	in := params(serializer.ParamUint32(pcr), serializer.ParamDigest(digest))
	err := c.invoke(handle, common.OpExtend, in, func(r *serializer.Reader) {
		value = r.Digest()
	})
	if err != nil {
		return common.Digest{}, err
	}
	return value, nil
}

// PcrRead returns the value of pcr
func (c *Client) PcrRead(handle common.ContextHandle, pcr uint32) (common.Digest, error) {
	var value common.Digest
	err := c.invoke(handle, common.OpPcrRead, params(serializer.ParamUint32(pcr)), func(r *serializer.Reader) {
		value = r.Digest()
	})
	if err != nil {
		return common.Digest{}, err
	}
	return value, nil
}

// --------------------------------------------------------------------------
// Random numbers
// --------------------------------------------------------------------------

// GetRandom returns n random bytes from the TPM
func (c *Client) GetRandom(handle common.ContextHandle, n uint32) ([]byte, error) {
	var random []byte
	err := c.invoke(handle, common.OpGetRandom, params(serializer.ParamUint32(n)), func(r *serializer.Reader) {
		random = r.Sized()
	})
	if err != nil {
		return nil, err
	}
	return random, nil
}

// StirRandom adds entropy to the TPM's random number generator
func (c *Client) StirRandom(handle common.ContextHandle, entropy []byte) error {
	return c.invoke(handle, common.OpStirRandom, sized(nil, entropy), nil)
}

// --------------------------------------------------------------------------
// Endorsement key
// --------------------------------------------------------------------------

// ReadPubek returns the public endorsement key and the checksum over key and antiReplay
func (c *Client) ReadPubek(handle common.ContextHandle, antiReplay common.Nonce) ([]byte, common.Digest, error) {
	var (
		pubKey   []byte
		checksum common.Digest
	)
	err := c.invoke(handle, common.OpReadPubek, params(serializer.ParamNonce(antiReplay)), func(r *serializer.Reader) {
		pubKey = r.Sized()
		checksum = r.Digest()
	})
	if err != nil {
		return nil, common.Digest{}, err
	}
	return pubKey, checksum, nil
}
