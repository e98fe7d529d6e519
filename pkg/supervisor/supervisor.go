// Package supervisor implements the proxy's accept loop: for each accepted
// client it dials a fresh upstream connection (plaintext or TLS), then
// spawns the two half-duplex relays (pkg/relay) that carry traffic between
// them, sharing a stop flag and an optional stream router.
package supervisor

import (
	"context"
	"fmt"
	"net"

	"github.com/driftcode/devproxy/pkg/dialer"
	"github.com/driftcode/devproxy/pkg/errors"
	"github.com/driftcode/devproxy/pkg/logsink"
	"github.com/driftcode/devproxy/pkg/relay"
	"github.com/driftcode/devproxy/pkg/router"
)

// RouterConfig carries the optional --transfer-connection parameters.
type RouterConfig struct {
	TargetHost      string
	PrimaryPort     int
	SideChannelPort int
	TriggerRegex    string
}

// Config describes one proxy instance.
type Config struct {
	BindHost string
	BindPort int

	UpstreamTransport dialer.Transport
	UpstreamHost      string
	UpstreamPort      int

	// UpstreamProxy optionally chains the upstream dial through a
	// corporate proxy. A SPEC_FULL addition; nil preserves the original
	// direct-dial behaviour.
	UpstreamProxy *dialer.ProxyConfig

	Router *RouterConfig
	Rules  []relay.Rule

	Log *logsink.Sink
}

// Supervisor runs the accept loop described by SPEC_FULL.md's proxy
// supervisor component.
type Supervisor struct {
	cfg Config
	log *logsink.Sink

	listener net.Listener
	connSeq  int
}

// New validates cfg and returns a supervisor ready to Run.
func New(cfg Config) (*Supervisor, error) {
	if cfg.UpstreamTransport != dialer.TransportTCP && cfg.UpstreamTransport != dialer.TransportTLS {
		return nil, errors.NewConfigurationError("supervisor.New", fmt.Sprintf("unknown upstream transport: %s", cfg.UpstreamTransport))
	}
	if cfg.BindPort <= 0 || cfg.BindPort > 65535 {
		return nil, errors.NewConfigurationError("supervisor.New", fmt.Sprintf("invalid bind port: %d", cfg.BindPort))
	}
	log := cfg.Log
	if log == nil {
		log = logsink.Default()
	}
	return &Supervisor{cfg: cfg, log: log}, nil
}

// Run binds the listener and accepts connections until ctx is canceled or
// the listener errors. A dial failure against the upstream for one accepted
// client drops only that client; see handleClient.
func (s *Supervisor) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindHost, fmt.Sprintf("%d", s.cfg.BindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewIOError("listen", err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.NewIOError("accept", err)
			}
		}
		s.connSeq++
		label := fmt.Sprintf("conn-%d", s.connSeq)
		go s.handleClient(ctx, conn, label)
	}
}

func (s *Supervisor) handleClient(ctx context.Context, clientConn net.Conn, label string) {
	upstream, err := dialer.Dial(ctx, dialer.Config{
		Transport:   s.cfg.UpstreamTransport,
		Host:        s.cfg.UpstreamHost,
		Port:        s.cfg.UpstreamPort,
		Proxy:       s.cfg.UpstreamProxy,
		ConnTimeout: 0,
	}, nil)
	if err != nil {
		// DESIGN.md's open-question decision: the original tool treats
		// a failed upstream dial as fatal for the whole process; this
		// port takes the explicitly-allowed alternative of dropping only
		// this client so one bad upstream doesn't kill every other
		// in-flight connection.
		s.log.Info(label, "upstream dial failed: "+err.Error())
		clientConn.Close()
		return
	}

	stop := relay.NewStopFlag()

	var rtr *router.Router
	if s.cfg.Router != nil {
		rtr, err = router.New(s.cfg.Router.TargetHost, s.cfg.Router.PrimaryPort, s.cfg.Router.SideChannelPort, s.cfg.Router.TriggerRegex)
		if err != nil {
			s.log.Info(label, "fatal: invalid router configuration: "+err.Error())
			clientConn.Close()
			upstream.Close()
			return
		}
	}

	c2r := relay.New(relay.Config{
		Input:     clientConn,
		Output:    upstream,
		Direction: relay.C2R,
		Label:     label + "-C2R",
		Log:       s.log,
		Stop:      stop,
		Rules:     s.cfg.Rules,
		Router:    rtr,
	})
	r2c := relay.New(relay.Config{
		Input:     upstream,
		Output:    clientConn,
		Direction: relay.R2C,
		Label:     label + "-R2C",
		Log:       s.log,
		Stop:      stop,
		Rules:     s.cfg.Rules,
		Router:    rtr,
	})

	go c2r.Run()
	r2c.Run()
}

// Addr returns the bound listener address; only valid after Run has
// started listening.
func (s *Supervisor) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
