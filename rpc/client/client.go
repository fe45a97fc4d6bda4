package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/registry"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
	"github.com/ValentinKolb/tcsrpc/rpc/transport"
)

// Client issues TCS commands. Contexts are opened with OpenContext and addressed by
// the client handle passed to it; every other command runs on an open context.
// A Client is safe for concurrent use, calls on one context are serialized.
type Client struct {
	registry  *registry.Registry
	transport transport.IRPCClientTransport
	kind      common.ConnKind
}

// NewClient creates a client that keeps its connections in reg and reaches the
// daemon through tr
func NewClient(reg *registry.Registry, tr transport.IRPCClientTransport) *Client {
	kind := common.ConnKindTCPPersistent
	if tr.GetName() == "unix" {
		kind = common.ConnKindUnixSocket
	}
	return &Client{
		registry:  reg,
		transport: tr,
		kind:      kind,
	}
}

// Registry returns the registry holding the client's connections
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

// --------------------------------------------------------------------------
// Context lifecycle
// --------------------------------------------------------------------------

// OpenContext connects handle to the daemon on hostname and performs the open handshake.
// It returns the daemon's handle for the context and the daemon's protocol version.
// If the handshake fails the context is removed again.
func (c *Client) OpenContext(handle common.ContextHandle, hostname string) (common.ContextHandle, uint32, error) {
	start := time.Now()
	op := common.OpOpenContext

	if _, err := c.registry.Add(handle, hostname, c.kind); err != nil {
		c.record(op, start, err)
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}

	e, err := c.registry.Get(handle)
	if err != nil {
		c.record(op, start, err)
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}

	var remote, version uint32
	err = c.exchange(e, op, true, params(serializer.ParamUint32(uint32(c.kind))), func(r *serializer.Reader) {
		remote = r.Uint32()
		version = r.Uint32()
	})
	if err == nil {
		e.RemoteHandle = common.ContextHandle(remote)
	}

	// release before removing, Remove waits for the entry lock
	c.registry.Put(e)
	c.record(op, start, err)

	if err != nil {
		c.registry.Remove(handle)
		return 0, 0, err
	}

	Logger.Infof("opened context %#x on %s (remote %#x, version %d)", uint32(handle), hostname, remote, version)
	return common.ContextHandle(remote), version, nil
}

// CloseContext tells the daemon to release the context and removes it locally.
// The context is removed even if the daemon could not be reached.
func (c *Client) CloseContext(handle common.ContextHandle) error {
	err := c.invoke(handle, common.OpCloseContext, nil, nil)
	if errors.Is(err, common.ErrNoConnection) {
		return err
	}
	c.registry.Remove(handle)
	return err
}
