package supervisor_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/driftcode/devproxy/pkg/dialer"
	"github.com/driftcode/devproxy/pkg/logsink"
	"github.com/driftcode/devproxy/pkg/relay"
	"github.com/driftcode/devproxy/pkg/supervisor"
)

func TestNewRejectsUnknownTransport(t *testing.T) {
	_, err := supervisor.New(supervisor.Config{
		BindHost:          "127.0.0.1",
		BindPort:          0,
		UpstreamTransport: "quic",
		UpstreamHost:      "example.com",
		UpstreamPort:      80,
	})
	if err == nil {
		t.Fatalf("expected configuration error for unknown transport")
	}
}

func TestNewRejectsInvalidBindPort(t *testing.T) {
	_, err := supervisor.New(supervisor.Config{
		BindHost:          "127.0.0.1",
		BindPort:          70000,
		UpstreamTransport: dialer.TransportTCP,
		UpstreamHost:      "example.com",
		UpstreamPort:      80,
	})
	if err == nil {
		t.Fatalf("expected configuration error for invalid bind port")
	}
}

func TestProxyRelaysBytesBetweenClientAndUpstream(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake upstream: %v", err)
	}
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write([]byte("echo:" + string(buf[:n])))
	}()

	upstreamAddr := upstreamLn.Addr().(*net.TCPAddr)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve bind port: %v", err)
	}
	bindAddr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	s, err := supervisor.New(supervisor.Config{
		BindHost:          "127.0.0.1",
		BindPort:          bindAddr.Port,
		UpstreamTransport: dialer.TransportTCP,
		UpstreamHost:      "127.0.0.1",
		UpstreamPort:      upstreamAddr.Port,
		Rules:             []relay.Rule{},
		Log:               logsink.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", bindAddr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("hi"))
	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n]) != "echo:hi" {
		t.Fatalf("expected echo:hi, got %q", buf[:n])
	}
}

func TestClientDroppedWhenUpstreamDialFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve bind port: %v", err)
	}
	bindAddr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	s, err := supervisor.New(supervisor.Config{
		BindHost:          "127.0.0.1",
		BindPort:          bindAddr.Port,
		UpstreamTransport: dialer.TransportTCP,
		UpstreamHost:      "127.0.0.1",
		UpstreamPort:      1,
		Log:               logsink.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", bindAddr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatalf("expected connection to be closed after a failed upstream dial")
	}
}
