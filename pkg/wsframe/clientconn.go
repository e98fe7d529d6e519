package wsframe

import (
	"io"
	"net"

	"github.com/driftcode/devproxy/pkg/errors"
)

// ClientConn is the client half of a WebSocket connection: it writes masked
// data frames and reads unmasked ones, surfacing only text payloads from
// Read — any other data opcode is treated as a fatal protocol error, which
// diverges from RFC 6455 but matches this minimal codec's scope.
type ClientConn struct {
	conn   net.Conn
	closed bool
}

// NewClientConn wraps an already-handshaken connection (see Dial).
func NewClientConn(conn net.Conn) *ClientConn {
	return &ClientConn{conn: conn}
}

// WriteText sends a masked text frame.
func (c *ClientConn) WriteText(payload []byte) error {
	if c.closed {
		return errors.NewStateError("WriteText", "cannot write to a closed WebSocket connection")
	}
	return WriteText(c.conn, payload, true)
}

// Read blocks for the next frame and returns its text payload. Control
// frames are handled transparently (ping answered with pong, pong ignored,
// close ends the connection with io.EOF). Any other data opcode fails.
func (c *ClientConn) Read() ([]byte, error) {
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			return nil, err
		}
		switch frame.Opcode {
		case OpText:
			return frame.Payload, nil
		case OpBinary, OpContinuation:
			return nil, errors.NewProtocolError("unsupported opcode: non-text data frame", nil)
		case OpPing:
			if err := WritePong(c.conn, frame.Payload); err != nil {
				return nil, err
			}
		case OpPong:
			// continue reading.
		case OpClose:
			c.closed = true
			c.conn.Close()
			return nil, io.EOF
		default:
			return nil, errors.NewProtocolError("unsupported opcode", nil)
		}
	}
}

// Close performs the close handshake: write an empty close frame, then
// close the socket.
func (c *ClientConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := WriteClose(c.conn); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
