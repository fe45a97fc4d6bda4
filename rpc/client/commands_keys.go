package client

import (
	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
)

// RegisterKey stores blob under key in the daemon's persistent key store, below parent
func (c *Client) RegisterKey(handle common.ContextHandle, parent, key common.UUID, blob, vendorData []byte) error {
	in := params(serializer.ParamUUID(parent), serializer.ParamUUID(key))
	in = sized(in, blob, vendorData)
	return c.invoke(handle, common.OpRegisterKey, in, nil)
}

// UnregisterKey removes key from the persistent key store
func (c *Client) UnregisterKey(handle common.ContextHandle, key common.UUID) error {
	return c.invoke(handle, common.OpUnregisterKey, params(serializer.ParamUUID(key)), nil)
}

// EnumRegisteredKeys lists the key hierarchy. For the zero uuid all registered keys are
// returned, otherwise the path from key up to the storage root key.
func (c *Client) EnumRegisteredKeys(handle common.ContextHandle, key common.UUID) ([]common.KMKeyInfo, error) {
	var keys []common.KMKeyInfo
	err := c.invoke(handle, common.OpEnumRegisteredKeys, params(serializer.ParamUUID(key)), func(r *serializer.Reader) {
		count := r.Uint32()
		// count comes from the peer, each record still has to pass the reader
		for i := uint32(0); i < count && r.Err() == nil; i++ {
			keys = append(keys, r.KMKeyInfo())
		}
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// GetRegisteredKeyBlob returns the key blob stored under key
func (c *Client) GetRegisteredKeyBlob(handle common.ContextHandle, key common.UUID) ([]byte, error) {
	var blob []byte
	err := c.invoke(handle, common.OpGetRegisteredKeyBlob, params(serializer.ParamUUID(key)), func(r *serializer.Reader) {
		blob = r.Sized()
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// LoadKeyByUUID loads the registered key into the TPM and returns its key handle.
// info authorizes the use of the parent key.
func (c *Client) LoadKeyByUUID(handle common.ContextHandle, key common.UUID, info common.LoadKeyInfo) (uint32, error) {
	var keyHandle uint32
	in := params(serializer.ParamUUID(key), serializer.ParamLoadKeyInfo(info))
	err := c.invoke(handle, common.OpLoadKeyByUUID, in, func(r *serializer.Reader) {
		keyHandle = r.Uint32()
	})
	if err != nil {
		return 0, err
	}
	return keyHandle, nil
}
