package router_test

import (
	"net"
	"testing"

	"github.com/driftcode/devproxy/pkg/router"
)

func listenOnce(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestCheckForSwitchMessageMatchesTriggerAndDials(t *testing.T) {
	primaryLn, primaryPort := listenOnce(t)
	defer primaryLn.Close()
	sideLn, sidePort := listenOnce(t)
	defer sideLn.Close()

	r, err := router.New("127.0.0.1", primaryPort, sidePort, "ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pair, err := r.CheckForSwitchMessage("ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair == nil {
		t.Fatalf("expected a transfer pair on trigger match")
	}
	defer pair.NewPrimary.Close()
	defer pair.SideChannel.Close()
}

func TestCheckForSwitchMessageIgnoresNonMatch(t *testing.T) {
	r, err := router.New("127.0.0.1", 1, 2, "ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pair, err := r.CheckForSwitchMessage("not the trigger")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair != nil {
		t.Fatalf("expected no transfer pair for non-matching text")
	}
}

func TestSwitchIsSingleShot(t *testing.T) {
	primaryLn, primaryPort := listenOnce(t)
	defer primaryLn.Close()
	sideLn, sidePort := listenOnce(t)
	defer sideLn.Close()

	r, err := router.New("127.0.0.1", primaryPort, sidePort, "ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pair1, err := r.CheckForSwitchMessage("ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair1 == nil {
		t.Fatalf("expected first trigger to switch")
	}
	defer pair1.NewPrimary.Close()
	defer pair1.SideChannel.Close()

	pair2, err := r.CheckForSwitchMessage("ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair2 != nil {
		t.Fatalf("expected second trigger match to be a no-op after latch")
	}
}

func TestPullNewClientNonBlocking(t *testing.T) {
	r, err := router.New("127.0.0.1", 1, 2, "ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair := r.PullNewClient(); pair != nil {
		t.Fatalf("expected nil when queue is empty")
	}
}

func TestTriggerMustMatchWholeText(t *testing.T) {
	r, err := router.New("127.0.0.1", 1, 2, "ready")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pair, err := r.CheckForSwitchMessage("ready now")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair != nil {
		t.Fatalf("expected partial match not to trigger a switch")
	}
}
