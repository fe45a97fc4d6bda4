package client

import (
	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
)

// LogPcrEvent appends event to the daemon's event log and returns its number
// within the log of event.PcrIndex
func (c *Client) LogPcrEvent(handle common.ContextHandle, event common.PCREvent) (uint32, error) {
	var number uint32
	err := c.invoke(handle, common.OpLogPcrEvent, params(serializer.ParamPCREvent(event)), func(r *serializer.Reader) {
		number = r.Uint32()
	})
	if err != nil {
		return 0, err
	}
	return number, nil
}

// GetPcrEvent returns event number of the log of pcr
func (c *Client) GetPcrEvent(handle common.ContextHandle, pcr, number uint32) (uint32, common.PCREvent, error) {
	var (
		gotNumber uint32
		event     common.PCREvent
	)
	// the trailing byte asks for the event itself, not just the count
	in := params(serializer.ParamUint32(pcr), serializer.ParamUint32(number), serializer.ParamByte(0))
	err := c.invoke(handle, common.OpGetPcrEvent, in, func(r *serializer.Reader) {
		gotNumber = r.Uint32()
		event = r.PCREvent()
	})
	if err != nil {
		return 0, common.PCREvent{}, err
	}
	return gotNumber, event, nil
}
