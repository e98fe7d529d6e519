package wsframe

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/driftcode/devproxy/pkg/constants"
	"github.com/driftcode/devproxy/pkg/errors"
)

// AcceptValue computes Sec-WebSocket-Accept for a given Sec-WebSocket-Key.
func AcceptValue(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + constants.WSGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewClientKey generates a fresh base64-encoded 16-byte Sec-WebSocket-Key.
func NewClientKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ServerHandshake validates the upgrade request headers (already parsed by
// the caller) and returns the Sec-WebSocket-Accept value to send back with
// a 101 response. It does not write the response itself; the HTTP dispatch
// server's handler is responsible for that via its own header bag, since
// wsframe has no dependency on pkg/httpserver.
func ServerHandshake(upgradeHeader, connectionHeader, clientKey string) (accept string, err error) {
	if !strings.EqualFold(strings.TrimSpace(upgradeHeader), "websocket") {
		return "", errors.NewProtocolError("Upgrade header must be \"websocket\"", nil)
	}
	if strings.TrimSpace(clientKey) == "" {
		return "", errors.NewProtocolError("Sec-WebSocket-Key is missing or empty", nil)
	}
	return AcceptValue(clientKey), nil
}

// DialResult is the outcome of a successful client-side handshake: the raw
// connection plus the buffered reader positioned right after the response
// headers.
type DialResult struct {
	Conn   net.Conn
	Reader *bufio.Reader
}

// Dial performs the client-side RFC 6455 handshake against addr for path,
// using host for the Host header and origin for Origin. It returns the
// raw connection ready for frame I/O.
func Dial(network, addr, host, path, origin string) (*DialResult, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, errors.NewConnectionError(host, 0, err)
	}

	key, err := NewClientKey()
	if err != nil {
		conn.Close()
		return nil, err
	}

	req := fmt.Sprintf(
		"GET %s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: keep-alive, Upgrade\r\n"+
			"Sec-WebSocket-Version: 13\r\n"+
			"Sec-WebSocket-Key: %s\r\n"+
			"Origin: %s\r\n"+
			"\r\n",
		path, host, key, origin)

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, errors.NewIOError("writing handshake request", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, errors.NewIOError("reading handshake status line", err)
	}
	if !strings.Contains(statusLine, " 101") {
		body, _ := io.ReadAll(reader)
		conn.Close()
		return nil, errors.NewProtocolError(
			fmt.Sprintf("handshake rejected: %s: %s", strings.TrimSpace(statusLine), string(body)), nil)
	}

	var acceptHeader string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, errors.NewIOError("reading handshake response headers", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(trimmed[:idx])
		value := strings.TrimSpace(trimmed[idx+1:])
		if strings.EqualFold(name, "Sec-WebSocket-Accept") {
			acceptHeader = value
		}
	}

	expected := AcceptValue(key)
	if acceptHeader != expected {
		conn.Close()
		return nil, errors.NewProtocolError(
			fmt.Sprintf("Sec-WebSocket-Accept mismatch: got %q want %q", acceptHeader, expected), nil)
	}

	return &DialResult{Conn: conn, Reader: reader}, nil
}
