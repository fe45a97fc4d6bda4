package base

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
)

// chunkConn serves reads from data and accepts writes at most chunk bytes at a time,
// a short write reports no error. If interrupt is set every other call fails with it.
type chunkConn struct {
	net.Conn
	data      []byte
	written   bytes.Buffer
	chunk     int
	interrupt error
	pending   bool
}

func (c *chunkConn) step() error {
	if c.interrupt != nil && !c.pending {
		c.pending = true
		return c.interrupt
	}
	c.pending = false
	return nil
}

func (c *chunkConn) Read(p []byte) (int, error) {
	if err := c.step(); err != nil {
		return 0, err
	}
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := min(c.chunk, len(p), len(c.data))
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func (c *chunkConn) Write(p []byte) (int, error) {
	if err := c.step(); err != nil {
		return 0, err
	}
	n := min(c.chunk, len(p))
	c.written.Write(p[:n])
	return n, nil
}

// replyPacket builds a sealed response packet with the given parameters
func replyPacket(t *testing.T, result common.ResultCode, params ...serializer.Param) []byte {
	t.Helper()
	b := serializer.NewBuffer(common.DefaultInitialBufferSize, 0)
	b.ResetResponse(len(params), result)
	if err := b.AppendAll(params...); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := b.Seal(); err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	return append([]byte(nil), b.Bytes()...)
}

// TestRecvExactShortReads tests that a packet arriving in small pieces is reassembled
func TestRecvExactShortReads(t *testing.T) {
	packet := replyPacket(t, common.ResultSuccess, serializer.ParamSized(bytes.Repeat([]byte{7}, 300))...)
	conn := &chunkConn{data: packet, chunk: 5}

	buf := serializer.NewBuffer(common.HeaderSize, 0)
	size, err := readPacket(conn, buf, 0)
	if err != nil {
		t.Fatalf("Failed to read packet: %v", err)
	}
	if size != uint32(len(packet)) {
		t.Errorf("Expected size %d, got %d", len(packet), size)
	}
	if err := buf.Decode(serializer.PhaseResponse); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), packet) {
		t.Errorf("Received packet differs from sent packet")
	}
	if buf.Grows() != 1 {
		t.Errorf("Expected exactly one reallocation for the reply, got %d", buf.Grows())
	}
}

// TestSendAllShortWrites tests that partial writes continue where they stopped
func TestSendAllShortWrites(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 50)
	conn := &chunkConn{chunk: 7}

	if err := sendAll(conn, data); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if !bytes.Equal(conn.written.Bytes(), data) {
		t.Errorf("Written data differs, got %d of %d bytes", conn.written.Len(), len(data))
	}
}

// TestReadPacketPeerClosed tests that a peer closing mid packet is a communication failure
func TestReadPacketPeerClosed(t *testing.T) {
	testCases := []struct {
		name string
		data func(packet []byte) []byte
	}{
		{name: "Before header", data: func(p []byte) []byte { return nil }},
		{name: "Inside header", data: func(p []byte) []byte { return p[:10] }},
		{name: "After header", data: func(p []byte) []byte { return p[:common.HeaderSize] }},
		{name: "Inside parameters", data: func(p []byte) []byte { return p[:len(p)-1] }},
	}

	packet := replyPacket(t, common.ResultSuccess, serializer.ParamUint32(1), serializer.ParamUint32(2))

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conn := &chunkConn{data: tc.data(packet), chunk: len(packet)}
			buf := serializer.NewBuffer(common.DefaultInitialBufferSize, 0)

			_, err := readPacket(conn, buf, 0)
			if !errors.Is(err, common.ErrCommFailure) {
				t.Fatalf("Expected communication failure, got %v", err)
			}
			if !errors.Is(err, io.EOF) {
				t.Errorf("Expected EOF in the chain, got %v", err)
			}
		})
	}
}

// TestReadPacketAnnouncedSize tests the checks on the size field of a reply header
func TestReadPacketAnnouncedSize(t *testing.T) {
	testCases := []struct {
		name    string
		size    uint32
		maxSize uint32
		want    error
	}{
		{name: "Smaller than header", size: 12, maxSize: 0, want: common.ErrCommFailure},
		{name: "Above limit", size: 4096, maxSize: 1024, want: common.ErrOutOfMemory},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			header := make([]byte, common.HeaderSize)
			binary.BigEndian.PutUint32(header, tc.size)
			conn := &chunkConn{data: header, chunk: common.HeaderSize}

			buf := serializer.NewBuffer(common.DefaultInitialBufferSize, 0)
			if _, err := readPacket(conn, buf, tc.maxSize); !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

// TestSendOnOpenNilConnection tests that a missing socket fails without I/O
func TestSendOnOpenNilConnection(t *testing.T) {
	tr := NewBaseClientTransport(&pipeConnector{}, common.DefaultClientConfig())
	buf := serializer.NewBuffer(common.DefaultInitialBufferSize, 0)
	buf.Reset(0)

	if err := tr.SendOnOpen(nil, buf); !errors.Is(err, common.ErrCommFailure) {
		t.Errorf("Expected communication failure, got %v", err)
	}
}

// pipeConnector connects to an in-memory peer that answers every request with reply
type pipeConnector struct {
	reply   []byte
	dialErr error
}

func (p *pipeConnector) GetName() string { return "pipe" }

func (p *pipeConnector) Connect(hostname string, config common.ClientConfig) (net.Conn, error) {
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		req := serializer.NewBuffer(common.DefaultInitialBufferSize, 0)
		if _, err := readPacket(server, req, 0); err != nil {
			return
		}
		_ = sendAll(server, p.reply)
	}()
	return client, nil
}

func (p *pipeConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	return nil
}

// TestConnectAndSend tests a full exchange over an in-memory connection
func TestConnectAndSend(t *testing.T) {
	reply := replyPacket(t, common.ResultSuccess, serializer.ParamUint32(42), serializer.ParamUint32(1))
	tr := NewBaseClientTransport(&pipeConnector{reply: reply}, common.DefaultClientConfig())

	buf := serializer.NewBuffer(common.DefaultInitialBufferSize, 0)
	buf.Reset(1)
	buf.SetOpcode(common.OpOpenContext)
	if err := buf.Append(0, common.TypeUint32, uint32(common.ConnKindTCPPersistent)); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	conn, err := tr.ConnectAndSend("peer", buf)
	if err != nil {
		t.Fatalf("Failed to exchange: %v", err)
	}
	defer conn.Close()

	r := serializer.NewReader(buf)
	handle, version := r.Uint32(), r.Uint32()
	if err := r.Done(); err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	if handle != 42 || version != 1 {
		t.Errorf("Expected {42, 1}, got {%d, %d}", handle, version)
	}
}

// TestConnectAndSendDialError tests that a failed dial is reported as a connection failure
func TestConnectAndSendDialError(t *testing.T) {
	dialErr := &common.Error{Code: common.ResultConnectionFailed, Msg: "refused"}
	tr := NewBaseClientTransport(&pipeConnector{dialErr: dialErr}, common.DefaultClientConfig())

	buf := serializer.NewBuffer(common.DefaultInitialBufferSize, 0)
	buf.Reset(0)
	conn, err := tr.ConnectAndSend("peer", buf)
	if conn != nil || !errors.Is(err, dialErr) {
		t.Errorf("Expected dial error and no connection, got %v, %v", conn, err)
	}
}
