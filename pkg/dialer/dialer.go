// Package dialer establishes the upstream connection for one proxied client:
// plaintext TCP, or TLS over a fresh TCP socket, optionally chained through a
// corporate HTTP/SOCKS4/SOCKS5 proxy first.
//
// It is grounded on the teacher library's pkg/transport, which dialed one
// outbound HTTP request at a time and pooled the resulting connections for
// reuse. The proxy supervisor (pkg/supervisor) has no notion of connection
// reuse — spec §3 says each relay pair exclusively owns its sockets for the
// life of the TCP connection — so the pooling machinery (hostPool, idle
// cleanup, PoolStats) is dropped here; what is kept is the dial-and-upgrade
// sequence: resolve, connect, optionally tunnel through a proxy, optionally
// upgrade to TLS.
package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/driftcode/devproxy/pkg/constants"
	"github.com/driftcode/devproxy/pkg/errors"
	"github.com/driftcode/devproxy/pkg/timing"
	"github.com/driftcode/devproxy/pkg/tlsconfig"
)

// Transport selects how the upstream socket is established.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
)

// ProxyConfig describes an optional upstream proxy to chain in front of the
// real upstream target. Grounded on the teacher's client.ProxyConfig.
type ProxyConfig struct {
	Type        string // "http", "https", "socks4", "socks5"
	Host        string
	Port        int
	Username    string
	Password    string
	ConnTimeout time.Duration
	TLSConfig   *tls.Config
}

// Config describes one upstream dial.
type Config struct {
	Transport Transport
	Host      string
	Port      int

	ConnTimeout time.Duration

	// Proxy, when non-nil, chains the dial through an upstream proxy.
	Proxy *ProxyConfig

	// mTLS client certificate, optional.
	ClientCertPEM  []byte
	ClientKeyPEM   []byte
	ClientCertFile string
	ClientKeyFile  string
}

// Dial establishes the upstream connection described by cfg, recording
// TCP and TLS phase timings onto timer (the DNS phase is not marked
// separately). A nil timer is replaced by a fresh internal one whose
// measurements are discarded.
func Dial(ctx context.Context, cfg Config, timer *timing.Timer) (net.Conn, error) {
	if cfg.Host == "" {
		return nil, errors.NewValidationError("upstream host cannot be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errors.NewValidationError("upstream port must be between 1 and 65535")
	}

	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = constants.DefaultConnTimeout
	}
	if timer == nil {
		timer = timing.NewTimer()
	}

	targetAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var conn net.Conn
	var err error

	if cfg.Proxy != nil {
		conn, err = dialViaProxy(ctx, cfg.Proxy, targetAddr, connTimeout, timer)
	} else {
		conn, err = dialTCP(ctx, targetAddr, connTimeout, timer)
	}
	if err != nil {
		return nil, errors.NewConnectionError(cfg.Host, cfg.Port, err)
	}

	if cfg.Transport == TransportTLS {
		tlsConn, err := upgradeTLS(ctx, conn, cfg, connTimeout, timer)
		if err != nil {
			conn.Close()
			return nil, errors.NewTLSError(cfg.Host, cfg.Port, err)
		}
		return tlsConn, nil
	}

	return conn, nil
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

// upgradeTLS wraps conn in a TLS client connection. The default profile is
// compatible-but-unverified: this proxy is a development tool, and spec §1
// explicitly does not require aggressive upstream identity verification.
func upgradeTLS(ctx context.Context, conn net.Conn, cfg Config, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	tlsCfg := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: true,
	}
	tlsconfig.ApplyVersionProfile(tlsCfg, tlsconfig.ProfileCompatible)

	cert, err := loadClientCertificate(cfg)
	if err != nil {
		return nil, err
	}
	if cert != nil {
		tlsCfg.Certificates = append(tlsCfg.Certificates, *cert)
	}

	tlsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// loadClientCertificate loads an optional mTLS client certificate from
// config. Returns nil, nil when none is configured.
func loadClientCertificate(cfg Config) (*tls.Certificate, error) {
	hasPEM := len(cfg.ClientCertPEM) > 0 && len(cfg.ClientKeyPEM) > 0
	hasFile := cfg.ClientCertFile != "" && cfg.ClientKeyFile != ""
	if !hasPEM && !hasFile {
		return nil, nil
	}

	certPEM, keyPEM := cfg.ClientCertPEM, cfg.ClientKeyPEM
	if hasFile {
		var err error
		certPEM, err = os.ReadFile(cfg.ClientCertFile)
		if err != nil {
			return nil, fmt.Errorf("reading client certificate file: %w", err)
		}
		keyPEM, err = os.ReadFile(cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading client key file: %w", err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client certificate/key: %w", err)
	}
	return &cert, nil
}

// dialViaProxy chains the dial to targetAddr through the configured upstream
// proxy. This is a SPEC_FULL addition (see SPEC_FULL.md, "Supplemented
// features"); when Config.Proxy is nil it is never invoked and behavior is
// identical to spec.md's direct-dial description.
func dialViaProxy(ctx context.Context, proxy *ProxyConfig, targetAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	if proxy.Host == "" {
		return nil, errors.NewValidationError("proxy host cannot be empty")
	}

	proxyPort := proxy.Port
	if proxyPort == 0 {
		switch proxy.Type {
		case "http", "https":
			proxyPort = 8080
		case "socks4", "socks5":
			proxyPort = 1080
		default:
			return nil, errors.NewValidationError(fmt.Sprintf("unsupported proxy type: %s", proxy.Type))
		}
	}
	proxyAddr := net.JoinHostPort(proxy.Host, strconv.Itoa(proxyPort))

	proxyTimeout := proxy.ConnTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = timeout
	}

	timer.StartTCP()
	defer timer.EndTCP()

	switch proxy.Type {
	case "http", "https":
		return dialViaHTTPProxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks4":
		return dialViaSOCKS4(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks5":
		return dialViaSOCKS5(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported proxy type: %s", proxy.Type))
	}
}

// dialViaHTTPProxy tunnels targetAddr through an HTTP/HTTPS CONNECT proxy.
func dialViaHTTPProxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connecting to proxy: %w", err)
	}

	if proxy.Type == "https" {
		tlsCfg := proxy.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: proxy.Host}
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake to proxy: %w", err)
		}
		conn = tlsConn
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		req += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending CONNECT request: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading CONNECT response: %w", err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("reading CONNECT response headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}

// dialViaSOCKS4 tunnels targetAddr through a SOCKS4 proxy. SOCKS4 is IPv4-only
// and resolves the target hostname locally.
func dialViaSOCKS4(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid target port: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("resolving %s for SOCKS4: %w", host, err)
	}
	targetIP := ips[0].To4()
	if targetIP == nil {
		return nil, fmt.Errorf("no IPv4 address found for %s (SOCKS4 requires IPv4)", host)
	}

	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connecting to SOCKS4 proxy: %w", err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending SOCKS4 request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading SOCKS4 response: %w", err)
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 request rejected, status 0x%02X", resp[1])
	}
	return conn, nil
}

// dialViaSOCKS5 tunnels targetAddr through a SOCKS5 proxy using the proven
// golang.org/x/net/proxy implementation rather than a hand-rolled client.
func dialViaSOCKS5(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}

	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("creating SOCKS5 dialer: %w", err)
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		return cd.DialContext(ctx, "tcp", targetAddr)
	}
	return dialer.Dial("tcp", targetAddr)
}

// ParseProxyURL parses a proxy URL string (scheme://[user[:pass]@]host[:port])
// into a ProxyConfig. When the URL has no port, Port is left 0; the
// scheme-default port is filled in later by dialViaProxy. Grounded on the
// teacher's client.ParseProxyURL.
func ParseProxyURL(proxyURL string) (*ProxyConfig, error) {
	if proxyURL == "" {
		return nil, fmt.Errorf("proxy URL cannot be empty")
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "socks4", "socks5":
	case "":
		return nil, fmt.Errorf("proxy URL must include a scheme (http://, https://, socks4://, socks5://)")
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("proxy URL must include a host")
	}

	port := 0
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid proxy port: %s", portStr)
		}
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyConfig{
		Type:     u.Scheme,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}, nil
}
