// Package pluginrpc implements the framed JSON-RPC transport between the
// hub and out-of-process plugins. Frames are length-prefixed with a 4-byte
// big-endian header; the plugin process connects back to a unix socket the
// hub listens on and announces readiness before calls flow.
package pluginrpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hearth-home/hearth/internal/constants"
)

const (
	frameHeaderSize = 4
	// maxFramePayload caps a single frame at 16 MB.
	maxFramePayload = 16 << 20
)

// AcceptSingleConn waits for exactly one client to connect within the
// timeout, then closes the listener.
func AcceptSingleConn(listener net.Listener, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = constants.RPCHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := listener.(interface{ SetDeadline(time.Time) error }); ok {
		dl.SetDeadline(deadline)
	}

	conn, err := listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("pluginrpc: accept connection: %w", err)
	}

	// Socket file cleanup happens explicitly after teardown, not on listener
	// close. On platforms where the listener is TCP the assertion is false.
	if ul, ok := listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}

	listener.Close()
	return conn, nil
}

// writeFrame writes one length-prefixed frame: [4 bytes big-endian][payload].
func writeFrame(conn net.Conn, data []byte) error {
	if len(data) > maxFramePayload {
		return fmt.Errorf("pluginrpc: frame payload too large (%d > %d)", len(data), maxFramePayload)
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	if len(data) == 0 {
		_, err := conn.Write(header[:])
		return err
	}

	bufs := net.Buffers{header[:], data}
	_, err := bufs.WriteTo(conn)
	return err
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return []byte{}, nil
	}
	if length > maxFramePayload {
		return nil, fmt.Errorf("pluginrpc: frame too large (%d > %d)", length, maxFramePayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
