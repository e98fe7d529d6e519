package timing_test

import (
	"testing"
	"time"

	"github.com/driftcode/devproxy/pkg/timing"
)

func TestTimerPhases(t *testing.T) {
	tm := timing.NewTimer()

	tm.StartDNS()
	time.Sleep(time.Millisecond)
	tm.EndDNS()

	tm.StartTCP()
	time.Sleep(time.Millisecond)
	tm.EndTCP()

	m := tm.GetMetrics()
	if m.DNSLookup <= 0 {
		t.Fatalf("expected non-zero DNS lookup time")
	}
	if m.TCPConnect <= 0 {
		t.Fatalf("expected non-zero TCP connect time")
	}
	if m.TLSHandshake != 0 {
		t.Fatalf("expected zero TLS handshake time when TLS phase was never marked")
	}
	if m.TotalTime <= 0 {
		t.Fatalf("expected non-zero total time")
	}
	if m.GetConnectionTime() != m.DNSLookup+m.TCPConnect+m.TLSHandshake {
		t.Fatalf("GetConnectionTime did not sum the dial phases")
	}
}
