package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
)

// A packet on the wire is self framing: the first header field is the size of the
// whole packet including the header.
//
//   - 28 bytes: header (7 x uint32, big endian, first field = packet size)
//   - N bytes:  type tags and parameters

// sendAll writes data completely. Short writes continue where they stopped,
// interrupted writes are retried.
func sendAll(conn net.Conn, data []byte) error {
	total := len(data)
	for len(data) > 0 {
		n, err := conn.Write(data)
		data = data[n:]
		if err == nil && n > 0 {
			continue
		}
		if err == nil {
			return fmt.Errorf("send made no progress after %d of %d bytes: %w", total-len(data), total, common.ErrCommFailure)
		}
		if isInterrupted(err) {
			continue
		}
		return fmt.Errorf("send failed after %d of %d bytes: %v: %w", total-len(data), total, err, common.ErrCommFailure)
	}
	return nil
}

// recvExact fills dst completely. Interrupted reads are retried, a read returning
// no data or EOF means the peer is gone.
func recvExact(conn net.Conn, dst []byte) error {
	read := 0
	for read < len(dst) {
		n, err := conn.Read(dst[read:])
		read += n
		if read == len(dst) {
			return nil
		}
		switch {
		case err == nil && n > 0:
			continue
		case err != nil && isInterrupted(err):
			continue
		case err == nil || errors.Is(err, io.EOF):
			return fmt.Errorf("peer closed connection after %d of %d bytes (%w): %w", read, len(dst), io.EOF, common.ErrCommFailure)
		default:
			return fmt.Errorf("receive failed after %d of %d bytes: %v: %w", read, len(dst), err, common.ErrCommFailure)
		}
	}
	return nil
}

// readPacket receives one packet into buf. The header is read first, the buffer is
// grown once to the announced size and the remainder is read behind the header.
// It returns the packet size.
func readPacket(conn net.Conn, buf *serializer.Buffer, maxSize uint32) (uint32, error) {
	if err := recvExact(conn, buf.HeaderBytes()); err != nil {
		return 0, err
	}

	size := buf.PeekPacketSize()
	if size < common.HeaderSize {
		return 0, fmt.Errorf("announced packet size %d is smaller than the header: %w", size, common.ErrCommFailure)
	}
	if maxSize > 0 && size > maxSize {
		return 0, fmt.Errorf("announced packet size %d exceeds limit of %d: %w", size, maxSize, common.ErrOutOfMemory)
	}
	if err := buf.Grow(size); err != nil {
		return 0, err
	}

	if err := recvExact(conn, buf.Window(common.HeaderSize, size)); err != nil {
		return 0, err
	}
	return size, nil
}

// setDeadline arms the deadline for the next exchange, a zero timeout clears it
func setDeadline(conn net.Conn, timeoutSecond int) error {
	if timeoutSecond <= 0 {
		return conn.SetDeadline(time.Time{})
	}
	return conn.SetDeadline(time.Now().Add(time.Duration(timeoutSecond) * time.Second))
}
