// Package httpserver implements the minimal HTTP/1.1 dispatch server the
// proxy's WebSocket upgrade endpoint sits behind: request line and header
// parsing, keep-alive lifecycle, and a raw-socket escape hatch for
// connection upgrade. It does not implement chunked request bodies,
// pipelining, or HTTP/2 — see SPEC_FULL.md's non-goals.
package httpserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftcode/devproxy/pkg/buffer"
	"github.com/driftcode/devproxy/pkg/constants"
	"github.com/driftcode/devproxy/pkg/errors"
	"github.com/driftcode/devproxy/pkg/headers"
)

// Handler processes one HTTP exchange.
type Handler func(*Exchange)

// Server is an accept loop plus a per-connection worker pool.
type Server struct {
	addr    string
	handler Handler

	listener net.Listener
	running  int32 // atomic bool

	wg sync.WaitGroup
}

// New returns a server bound to addr (not yet listening) dispatching every
// request to handler.
func New(addr string, handler Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// ListenAndServe binds the listener and runs the accept loop until Stop is
// called or the listener errors.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.NewConfigurationError("listen", err.Error())
	}
	s.listener = ln
	atomic.StoreInt32(&s.running, 1)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.running) == 0 {
				return nil
			}
			return errors.NewIOError("accept", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Stop clears the run flag, waits delay, closes the listener, then gives
// in-flight workers delay again before returning (it does not force-kill
// workers; callers that need a hard deadline should abandon the wait).
// delay <= 0 uses constants.ShutdownGracePeriod.
func (s *Server) Stop(delay time.Duration) error {
	if delay <= 0 {
		delay = constants.ShutdownGracePeriod
	}
	atomic.StoreInt32(&s.running, 0)
	time.Sleep(delay)
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return errors.NewIOError("close listener", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(delay):
	}
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for atomic.LoadInt32(&s.running) != 0 {
		conn.SetReadDeadline(time.Now().Add(constants.DefaultReadTimeout))

		line, err := readBoundedCRLFLine(reader, constants.MaxHeaderBytes)
		if err != nil {
			return
		}
		if line == "" {
			return
		}

		method, rawPath, protocol, ok := parseRequestLine(line)
		if !ok {
			writeSimpleResponse(writer, 400, "Bad Request", true)
			writer.Flush()
			return
		}

		reqHeaders, err := parseHeaders(reader)
		if err != nil {
			writeSimpleResponse(writer, 400, "Bad Request", true)
			writer.Flush()
			return
		}

		connHeader, _ := reqHeaders.First("Connection")
		keepAlive := protocol == "HTTP/1.1" && !strings.EqualFold(strings.TrimSpace(connHeader), "close")

		var reqBody io.Reader = strings.NewReader("")
		var bodyBuf *buffer.Buffer
		if cl, ok := reqHeaders.First("Content-length"); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n > 0 {
				conn.SetReadDeadline(time.Now().Add(constants.DefaultReadTimeout))
				bodyBuf = buffer.New(constants.DefaultBodyMemLimit)
				if _, err := io.CopyN(bodyBuf, reader, n); err != nil {
					bodyBuf.Close()
					writeSimpleResponse(writer, 400, "Bad Request", true)
					writer.Flush()
					return
				}
				br, err := bodyBuf.Reader()
				if err != nil {
					bodyBuf.Close()
					writeSimpleResponse(writer, 500, "Internal Server Error", true)
					writer.Flush()
					return
				}
				reqBody = br
			}
		}

		ex := &Exchange{
			Method:      method,
			RawPath:     rawPath,
			Protocol:    protocol,
			ReqHeaders:  reqHeaders,
			ReqBody:     reqBody,
			RespHeaders: headers.New(),
			conn:        conn,
			reader:      reader,
			writer:      writer,
			keepAlive:   keepAlive,
		}

		s.invokeHandler(ex)

		writer.Flush()
		if c, ok := reqBody.(io.Closer); ok {
			c.Close()
		}
		if bodyBuf != nil {
			bodyBuf.Close()
		}

		if ex.hijacked {
			return
		}
		if !keepAlive {
			return
		}
	}
}

func (s *Server) invokeHandler(ex *Exchange) {
	defer func() {
		if r := recover(); r != nil {
			if !ex.headersSent {
				writeSimpleResponse(ex.writer, 500, "Internal Server Error", !ex.keepAlive)
			}
		}
	}()
	s.handler(ex)
}

// readBoundedCRLFLine reads one CRLF-terminated line, failing once more than
// maxBytes are consumed without finding the terminator -- bufio.Reader's own
// ReadString has no such limit, so an attacker holding a line open with no
// trailing '\n' would otherwise grow the read buffer without bound.
func readBoundedCRLFLine(r *bufio.Reader, maxBytes int) (string, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if len(line) == 0 {
				return "", err
			}
			break
		}
		line = append(line, b)
		if b == '\n' {
			break
		}
		if len(line) > maxBytes {
			return "", errors.NewProtocolError("line exceeds maximum header size", nil)
		}
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func parseRequestLine(line string) (method, rawPath, protocol string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func parseHeaders(r *bufio.Reader) (*headers.Bag, error) {
	bag := headers.New()
	total := 0
	for {
		line, err := readBoundedCRLFLine(r, constants.MaxHeaderBytes)
		if err != nil {
			return nil, err
		}
		total += len(line)
		if total > constants.MaxHeaderBytes {
			return nil, errors.NewProtocolError("header block exceeds maximum size", nil)
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if err := bag.Add(name, value); err != nil {
			return nil, err
		}
	}
	return bag.Freeze(), nil
}

var reasonPhrases = map[int]string{
	101: "Switching Protocols",
	200: "OK",
	204: "No Content",
	304: "Not Modified",
	400: "Bad Request",
	404: "Not Found",
	500: "Internal Server Error",
}

func reasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return "Unknown"
}

func writeSimpleResponse(w *bufio.Writer, code int, reason string, closeConn bool) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", code, reason)
	if closeConn {
		fmt.Fprint(w, "Connection: close\r\n")
	}
	fmt.Fprint(w, "Content-Length: 0\r\n\r\n")
}
