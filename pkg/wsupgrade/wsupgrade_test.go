package wsupgrade_test

import (
	"net"
	"testing"
	"time"

	"github.com/driftcode/devproxy/pkg/httpserver"
	"github.com/driftcode/devproxy/pkg/wsframe"
	"github.com/driftcode/devproxy/pkg/wsupgrade"
)

func TestEchoHandlerUpgradesAndEchoesOverRealDispatchServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := httpserver.New(addr, wsupgrade.EchoHandler)
	go s.ListenAndServe()
	defer s.Stop(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	result, err := wsframe.Dial("tcp", addr, "127.0.0.1", "/echo", "http://origin.example")
	if err != nil {
		t.Fatalf("dial/handshake failed: %v", err)
	}
	defer result.Conn.Close()

	client := wsframe.NewClientConn(result.Conn)
	if err := client.WriteText([]byte("Hallo")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	payload, err := client.Read()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(payload) != "Hallo" {
		t.Fatalf("expected echoed Hallo, got %q", payload)
	}
}

func TestEchoHandlerRejectsNonGetMethod(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := httpserver.New(addr, wsupgrade.EchoHandler)
	go s.ListenAndServe()
	defer s.Stop(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("POST /echo HTTP/1.1\r\nHost: x\r\nConnection: close\r\nUpgrade: websocket\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"))

	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n])[9:12] != "400" {
		t.Fatalf("expected 400 response for non-GET upgrade attempt, got %q", buf[:n])
	}
}
