package client

import (
	"fmt"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
)

// DAAJoin is not offered by the daemon protocol. It fails without any I/O.
func (c *Client) DAAJoin(handle common.ContextHandle, daaHandle uint32, stage uint32, inputs [][]byte, ownerAuth common.AuthSession) ([]byte, common.AuthSession, error) {
	return nil, common.AuthSession{}, fmt.Errorf("%s: %w", common.OpDAAJoin, common.ErrNotImplemented)
}

// DAASign is not offered by the daemon protocol. It fails without any I/O.
func (c *Client) DAASign(handle common.ContextHandle, daaHandle uint32, stage uint32, inputs [][]byte, ownerAuth common.AuthSession) ([]byte, common.AuthSession, error) {
	return nil, common.AuthSession{}, fmt.Errorf("%s: %w", common.OpDAASign, common.ErrNotImplemented)
}
