package tlsconfig_test

import (
	"crypto/tls"
	"testing"

	"github.com/driftcode/devproxy/pkg/tlsconfig"
)

func TestApplyVersionProfile(t *testing.T) {
	cfg := &tls.Config{}
	tlsconfig.ApplyVersionProfile(cfg, tlsconfig.ProfileSecure)

	if cfg.MinVersion != tlsconfig.VersionTLS12 {
		t.Fatalf("expected min version TLS 1.2, got %x", cfg.MinVersion)
	}
	if cfg.MaxVersion != tlsconfig.VersionTLS13 {
		t.Fatalf("expected max version TLS 1.3, got %x", cfg.MaxVersion)
	}
}

func TestIsVersionDeprecated(t *testing.T) {
	if !tlsconfig.IsVersionDeprecated(tlsconfig.VersionTLS11) {
		t.Fatalf("TLS 1.1 should be deprecated")
	}
	if tlsconfig.IsVersionDeprecated(tlsconfig.VersionTLS12) {
		t.Fatalf("TLS 1.2 should not be deprecated")
	}
}

func TestApplyCipherSuitesPicksTableByMinVersion(t *testing.T) {
	cfg := &tls.Config{}
	tlsconfig.ApplyCipherSuites(cfg, tlsconfig.VersionTLS13)
	if cfg.CipherSuites != nil {
		t.Fatalf("TLS 1.3 should leave CipherSuites nil (negotiated automatically)")
	}

	tlsconfig.ApplyCipherSuites(cfg, tlsconfig.VersionTLS12)
	if len(cfg.CipherSuites) == 0 {
		t.Fatalf("expected a non-empty TLS 1.2 cipher suite table")
	}
}
