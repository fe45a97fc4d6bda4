package client

import (
	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
)

// OIAP starts an object independent authorization session
func (c *Client) OIAP(handle common.ContextHandle) (uint32, common.Nonce, error) {
	var (
		authHandle uint32
		nonceEven  common.Nonce
	)
	err := c.invoke(handle, common.OpOIAP, nil, func(r *serializer.Reader) {
		authHandle = r.Uint32()
		nonceEven = r.Nonce()
	})
	if err != nil {
		return 0, common.Nonce{}, err
	}
	return authHandle, nonceEven, nil
}

// OSAPSession is the result of an OSAP handshake
type OSAPSession struct {
	AuthHandle    uint32
	NonceEven     common.Nonce
	NonceEvenOSAP common.Nonce
}

// OSAP starts an object specific authorization session for the given entity
func (c *Client) OSAP(handle common.ContextHandle, entityType uint16, entityValue uint32, nonceOddOSAP common.Nonce) (OSAPSession, error) {
	var s OSAPSession
	in := params(
		serializer.ParamUint16(entityType),
		serializer.ParamUint32(entityValue),
		serializer.ParamNonce(nonceOddOSAP),
	)
	err := c.invoke(handle, common.OpOSAP, in, func(r *serializer.Reader) {
		s.AuthHandle = r.Uint32()
		s.NonceEven = r.Nonce()
		s.NonceEvenOSAP = r.Nonce()
	})
	if err != nil {
		return OSAPSession{}, err
	}
	return s, nil
}

// ChangeAuthRequest holds the in parameters of ChangeAuth
type ChangeAuthRequest struct {
	ParentHandle uint32
	Protocol     uint16
	NewAuth      common.Secret
	EntityType   uint16
	EncData      []byte
	OwnerAuth    common.AuthSession
	EntityAuth   common.AuthSession
}

// ChangeAuthResponse holds the out parameters of ChangeAuth
type ChangeAuthResponse struct {
	OwnerAuth  common.AuthSession
	EntityAuth common.AuthSession
	OutData    []byte
}

// ChangeAuth changes the authorization data of an entity
func (c *Client) ChangeAuth(handle common.ContextHandle, req ChangeAuthRequest) (ChangeAuthResponse, error) {
	var resp ChangeAuthResponse
	in := params(
		serializer.ParamUint32(req.ParentHandle),
		serializer.ParamUint16(req.Protocol),
		serializer.ParamSecret(req.NewAuth),
		serializer.ParamUint16(req.EntityType),
	)
	in = sized(in, req.EncData)
	in = append(in, serializer.ParamAuth(req.OwnerAuth), serializer.ParamAuth(req.EntityAuth))

	err := c.invoke(handle, common.OpChangeAuth, in, func(r *serializer.Reader) {
		resp.OwnerAuth = r.Auth()
		resp.EntityAuth = r.Auth()
		resp.OutData = r.Sized()
	})
	if err != nil {
		return ChangeAuthResponse{}, err
	}
	return resp, nil
}

// TerminateHandle ends the authorization session authHandle
func (c *Client) TerminateHandle(handle common.ContextHandle, authHandle uint32) error {
	return c.invoke(handle, common.OpTerminateHandle, params(serializer.ParamUint32(authHandle)), nil)
}
