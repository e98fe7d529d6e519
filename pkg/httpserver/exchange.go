package httpserver

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/driftcode/devproxy/pkg/errors"
	"github.com/driftcode/devproxy/pkg/headers"
)

// Exchange is the per-request object exposing method, path, headers, and
// body streams to the handler. It carries two one-way latches: once
// response headers are sent, or once the connection is hijacked, most
// further operations are illegal.
type Exchange struct {
	Method      string
	RawPath     string
	Protocol    string
	ReqHeaders  *headers.Bag
	ReqBody     io.Reader
	RespHeaders *headers.Bag

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	keepAlive    bool
	headersSent  bool
	hijacked     bool
	chunkedResp  bool
	respBodyUsed bool
}

// SendResponseHeaders writes the status line, default headers (Connection,
// and either Content-Length or chunked Transfer-Encoding), the user's
// response headers, and the blank line that ends the header block, then
// flushes. For code 101 it writes none of the default headers (neither
// Connection nor any length header): the caller sets its own upgrade headers
// and is expected to steal the socket via Hijack immediately after. Calling
// this twice is a state error.
func (e *Exchange) SendResponseHeaders(code int, contentLength int64) error {
	if e.headersSent {
		return errors.NewStateError("SendResponseHeaders", "response headers already sent")
	}
	e.headersSent = true

	fmt.Fprintf(e.writer, "%s %d %s\r\n", e.Protocol, code, reasonPhrase(code))

	if code != 101 {
		connVal := "close"
		if e.keepAlive {
			connVal = "keep-alive"
		}
		fmt.Fprintf(e.writer, "Connection: %s\r\n", connVal)

		if contentLength > 0 {
			fmt.Fprintf(e.writer, "Content-Length: %d\r\n", contentLength)
		} else if code != 204 && code != 304 {
			fmt.Fprint(e.writer, "Transfer-Encoding: chunked\r\n")
			e.chunkedResp = true
		}
	}

	for _, k := range e.RespHeaders.Keys() {
		for _, v := range e.RespHeaders.All(k) {
			fmt.Fprintf(e.writer, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprint(e.writer, "\r\n")
	return e.writer.Flush()
}

// GetResponseBody returns a writer for the response body. It is a state
// error to call this before SendResponseHeaders.
func (e *Exchange) GetResponseBody() (io.Writer, error) {
	if !e.headersSent {
		return nil, errors.NewStateError("GetResponseBody", "response headers have not been sent yet")
	}
	e.respBodyUsed = true
	if e.chunkedResp {
		return &chunkedWriter{w: e.writer}, nil
	}
	return e.writer, nil
}

// Hijack steals the underlying connection for a raw-socket protocol
// (the WebSocket upgrade handler uses this). After Hijack the dispatch
// server's keep-alive loop treats the connection as consumed and does not
// read from it again.
func (e *Exchange) Hijack() (net.Conn, *bufio.Reader, *bufio.Writer, error) {
	if e.hijacked {
		return nil, nil, nil, errors.NewStateError("Hijack", "connection already hijacked")
	}
	e.hijacked = true
	return e.conn, e.reader, e.writer, nil
}

// chunkedWriter wraps w with standard hex-length chunked transfer framing.
type chunkedWriter struct {
	w       *bufio.Writer
	closed  bool
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := c.w.Write([]byte("\r\n")); err != nil {
		return n, err
	}
	return n, nil
}

// Close writes the terminating zero-length chunk. Safe to call once.
func (c *chunkedWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_, err := c.w.Write([]byte("0\r\n\r\n"))
	return err
}
