package client

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/registry"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("tcs/client")
)

// readFunc extracts the out parameters of a reply in positional order. Results must be
// stored in locals of the calling command and only handed out if the call succeeded.
type readFunc func(r *serializer.Reader)

// invoke runs one command on the context of handle: it takes the entry, exchanges
// the packet and releases the entry on every path. The remote context handle is sent
// as parameter 0 in front of in.
func (c *Client) invoke(handle common.ContextHandle, op common.Opcode, in []serializer.Param, out readFunc) error {
	start := time.Now()

	e, err := c.registry.Get(handle)
	if err != nil {
		c.record(op, start, err)
		return fmt.Errorf("%s: %w", op, err)
	}

	params := make([]serializer.Param, 0, len(in)+1)
	params = append(params, serializer.ParamUint32(uint32(e.RemoteHandle)))
	params = append(params, in...)

	err = c.exchange(e, op, false, params, out)
	c.registry.Put(e)

	c.record(op, start, err)
	return err
}

// exchange performs the request/reply cycle on a held entry.
// With connect set a new socket is opened and stored on the entry.
func (c *Client) exchange(e *registry.Entry, op common.Opcode, connect bool, in []serializer.Param, out readFunc) error {
	buf := e.Buffer
	buf.Reset(len(in))
	buf.SetOpcode(op)

	// a marshaling failure is reported before anything is sent
	if err := buf.AppendAll(in...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if connect {
		conn, err := c.transport.ConnectAndSend(e.Hostname, buf)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		e.Conn = conn
	} else if err := c.transport.SendOnOpen(e.Conn, buf); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// the daemon's code is handed through as it is
	if result := buf.Result(); result != common.ResultSuccess {
		return fmt.Errorf("%s: %w", op, result)
	}

	if out == nil {
		return nil
	}
	r := serializer.NewReader(buf)
	out(r)
	if err := r.Err(); err != nil {
		if desc, derr := serializer.Describe(buf); derr == nil {
			Logger.Debugf("%s: cannot read reply %s", op, desc)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// record updates the per opcode call metrics
func (c *Client) record(op common.Opcode, start time.Time, err error) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tcs_client_calls_total{op=%q}`, op)).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`tcs_client_call_duration_seconds{op=%q}`, op)).UpdateDuration(start)
	if err != nil {
		metrics.GetOrCreateCounter(fmt.Sprintf(`tcs_client_call_errors_total{op=%q,code="%#x"}`, op, uint32(common.Code(err)))).Inc()
		Logger.Debugf("%s failed: %v", op, err)
	}
}

// params is shorthand for a parameter list
func params(p ...serializer.Param) []serializer.Param {
	return p
}

// sized appends a u32 length and the bytes of each blob to p
func sized(p []serializer.Param, blobs ...[]byte) []serializer.Param {
	for _, b := range blobs {
		p = append(p, serializer.ParamSized(b)...)
	}
	return p
}
