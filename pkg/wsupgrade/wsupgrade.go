// Package wsupgrade is the glue the component table calls out explicitly:
// it hands a hijacked socket from the HTTP dispatch server (pkg/httpserver)
// to the WebSocket frame codec's server handshake (pkg/wsframe).
package wsupgrade

import (
	"bufio"
	"io"
	"net"
	"strings"

	"github.com/driftcode/devproxy/pkg/httpserver"
	"github.com/driftcode/devproxy/pkg/prefixedsrc"
	"github.com/driftcode/devproxy/pkg/wsframe"
)

// EchoHandler is an httpserver.Handler: it performs the server-side RFC 6455
// handshake on any GET request carrying a valid upgrade, then echoes every
// text frame it receives back to the sender until the connection closes.
// It backs devproxy's optional --ws-debug-addr endpoint and is the
// reference wiring for the proxy's WebSocket echo scenario.
func EchoHandler(ex *httpserver.Exchange) {
	if !strings.EqualFold(ex.Method, "GET") {
		ex.SendResponseHeaders(400, 0)
		return
	}

	key, _ := ex.ReqHeaders.First("Sec-WebSocket-Key")
	upgrade, _ := ex.ReqHeaders.First("Upgrade")
	connection, _ := ex.ReqHeaders.First("Connection")

	accept, err := wsframe.ServerHandshake(upgrade, connection, key)
	if err != nil {
		ex.SendResponseHeaders(400, 0)
		return
	}

	ex.RespHeaders.Set("Upgrade", "websocket")
	ex.RespHeaders.Set("Connection", "keep-alive, Upgrade")
	ex.RespHeaders.Set("Sec-WebSocket-Accept", accept)
	if err := ex.SendResponseHeaders(101, 0); err != nil {
		return
	}

	conn, reader, _, err := ex.Hijack()
	if err != nil {
		return
	}

	sc := wsframe.NewServerConn(splicePrefix(conn, reader))
	done := make(chan struct{})
	sc.OnMessage = func(payload []byte) {
		sc.Send(payload)
	}
	sc.OnClose = func() {
		close(done)
	}
	sc.Start()
	<-done
}

// splicePrefix recovers any bytes the dispatch server's buffered reader had
// already pulled off the wire past the header block -- a WebSocket frame
// sent back-to-back with the upgrade request -- and splices them in front
// of the raw connection so the frame codec never loses them. This is
// exactly the "serve prefix, then delegate, never mix" contract
// pkg/prefixedsrc exists for.
func splicePrefix(conn net.Conn, reader *bufio.Reader) net.Conn {
	n := reader.Buffered()
	if n == 0 {
		return conn
	}
	prefix := make([]byte, n)
	io.ReadFull(reader, prefix)
	return &prefixedConn{Conn: conn, src: prefixedsrc.New(prefix, conn)}
}

// prefixedConn overrides Read to drain a prefix before falling back to the
// embedded net.Conn for everything else (Write, Close, deadlines, ...).
type prefixedConn struct {
	net.Conn
	src *prefixedsrc.Source
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	return p.src.Read(b)
}
