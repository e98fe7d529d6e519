package wsframe

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/driftcode/devproxy/pkg/constants"
	"github.com/driftcode/devproxy/pkg/errors"
)

// ServerConn is a server-side WebSocket connection after a completed
// upgrade. It runs a reader goroutine delivering decoded text messages to
// OnMessage, and a writer goroutine draining OutgoingQueue at a bounded
// poll interval so shutdown is responsive without per-write locking.
type ServerConn struct {
	conn   net.Conn
	active int32 // atomic bool

	outgoing chan []byte

	// OnMessage is invoked with each decoded text payload. Required.
	OnMessage func(payload []byte)
	// OnError is invoked once if the reader loop exits abnormally.
	OnError func(err error)
	// OnClose is invoked exactly once when the connection is done.
	OnClose func()

	closeOnce int32
}

// NewServerConn wraps conn (already hijacked from the HTTP dispatch server)
// as a server-side WebSocket connection. Call Start to launch its tasks.
func NewServerConn(conn net.Conn) *ServerConn {
	return &ServerConn{
		conn:     conn,
		active:   1,
		outgoing: make(chan []byte, constants.WSOutgoingQueueSize),
	}
}

// Start launches the reader and writer goroutines. It returns immediately.
func (c *ServerConn) Start() {
	go c.writerLoop()
	go c.readerLoop()
}

// Send enqueues a text payload for the writer task. Returns an error if the
// connection is no longer active.
func (c *ServerConn) Send(payload []byte) error {
	if atomic.LoadInt32(&c.active) == 0 {
		return errors.NewStateError("Send", "cannot write to a closed WebSocket connection")
	}
	select {
	case c.outgoing <- payload:
		return nil
	default:
		return errors.NewIOError("send", nil)
	}
}

// Stop marks the connection inactive; the writer task drains once more
// before exiting.
func (c *ServerConn) Stop() {
	atomic.StoreInt32(&c.active, 0)
}

func (c *ServerConn) writerLoop() {
	for {
		select {
		case payload := <-c.outgoing:
			if err := WriteText(c.conn, payload, false); err != nil {
				return
			}
		case <-time.After(constants.WSWriterPollInterval):
			if atomic.LoadInt32(&c.active) == 0 {
				// drain whatever is queued, then stop.
				for {
					select {
					case payload := <-c.outgoing:
						WriteText(c.conn, payload, false)
					default:
						return
					}
				}
			}
		}
	}
}

func (c *ServerConn) readerLoop() {
	defer c.runCloseHookOnce()

	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			if c.OnError != nil {
				c.OnError(err)
			}
			return
		}

		switch frame.Opcode {
		case OpText:
			if c.OnMessage != nil {
				c.OnMessage(frame.Payload)
			}
		case OpBinary:
			if c.OnError != nil {
				c.OnError(errors.NewProtocolError("unsupported opcode: binary", nil))
			}
			return
		case OpPing:
			if err := WritePong(c.conn, frame.Payload); err != nil {
				if c.OnError != nil {
					c.OnError(err)
				}
				return
			}
		case OpPong:
			// no-op, continue reading.
		case OpClose:
			c.conn.Close()
			return
		default:
			if c.OnError != nil {
				c.OnError(errors.NewProtocolError("unsupported opcode", nil))
			}
			return
		}
	}
}

func (c *ServerConn) runCloseHookOnce() {
	if atomic.CompareAndSwapInt32(&c.closeOnce, 0, 1) {
		atomic.StoreInt32(&c.active, 0)
		if c.OnClose != nil {
			c.OnClose()
		}
	}
}
