// Command devproxy is the interactive TCP intercepting proxy's entrypoint.
//
// Usage:
//
//	devproxy <bindHost> <bindPort> <upstreamTransport:tcp|tls> <upstreamHost> <upstreamPort>
//	  [--transfer-connection <xferHost> <xferPort> <xferMsgPort> <triggerRegex>]
//	  [--upstream-proxy <proxyURL>]
//	  [--ws-debug-addr <host:port>]
//	  [<search> <replace>]*
//
// The CLI parser is intentionally a thin, hand-written wrapper: SPEC_FULL.md
// places it out of the core's design scope, and nothing in the example
// corpus's demo binaries reaches for a flag-parsing library either.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/driftcode/devproxy/pkg/dialer"
	"github.com/driftcode/devproxy/pkg/httpserver"
	"github.com/driftcode/devproxy/pkg/logsink"
	"github.com/driftcode/devproxy/pkg/relay"
	"github.com/driftcode/devproxy/pkg/supervisor"
	"github.com/driftcode/devproxy/pkg/wsupgrade"
)

func main() {
	cfg, wsDebugAddr, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage:", err)
		fmt.Fprintln(os.Stderr, "  devproxy <bindHost> <bindPort> <upstreamTransport:tcp|tls> <upstreamHost> <upstreamPort>")
		fmt.Fprintln(os.Stderr, "    [--transfer-connection <xferHost> <xferPort> <xferMsgPort> <triggerRegex>]")
		fmt.Fprintln(os.Stderr, "    [--upstream-proxy <proxyURL>]")
		fmt.Fprintln(os.Stderr, "    [--ws-debug-addr <host:port>]")
		fmt.Fprintln(os.Stderr, "    [<search> <replace>]*")
		os.Exit(1)
	}

	sup, err := supervisor.New(*cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if wsDebugAddr != "" {
		wsSrv := httpserver.New(wsDebugAddr, wsupgrade.EchoHandler)
		go func() {
			if err := wsSrv.ListenAndServe(); err != nil {
				fmt.Fprintln(os.Stderr, "ws-debug-addr:", err)
			}
		}()
		go func() {
			<-ctx.Done()
			wsSrv.Stop(2 * time.Second)
		}()
	}

	if err := sup.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (cfg *supervisor.Config, wsDebugAddr string, err error) {
	if len(args) < 5 {
		return nil, "", fmt.Errorf("not enough arguments")
	}

	bindHost := args[0]
	bindPort, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, "", fmt.Errorf("invalid bindPort: %w", err)
	}

	transport := dialer.Transport(args[2])
	if transport != dialer.TransportTCP && transport != dialer.TransportTLS {
		return nil, "", fmt.Errorf("upstreamTransport must be tcp or tls, got %q", args[2])
	}

	upstreamHost := args[3]
	upstreamPort, err := strconv.Atoi(args[4])
	if err != nil {
		return nil, "", fmt.Errorf("invalid upstreamPort: %w", err)
	}

	cfg = &supervisor.Config{
		BindHost:          bindHost,
		BindPort:          bindPort,
		UpstreamTransport: transport,
		UpstreamHost:      upstreamHost,
		UpstreamPort:      upstreamPort,
		Log:               logsink.Default(),
	}

	rest := args[5:]
	for len(rest) > 0 {
		switch rest[0] {
		case "--transfer-connection":
			if len(rest) < 5 {
				return nil, "", fmt.Errorf("--transfer-connection requires 4 arguments: host port msgPort triggerRegex")
			}
			xferPort, err := strconv.Atoi(rest[2])
			if err != nil {
				return nil, "", fmt.Errorf("invalid transfer-connection port: %w", err)
			}
			xferMsgPort, err := strconv.Atoi(rest[3])
			if err != nil {
				return nil, "", fmt.Errorf("invalid transfer-connection message port: %w", err)
			}
			cfg.Router = &supervisor.RouterConfig{
				TargetHost:      rest[1],
				PrimaryPort:     xferPort,
				SideChannelPort: xferMsgPort,
				TriggerRegex:    rest[4],
			}
			rest = rest[5:]

		case "--upstream-proxy":
			if len(rest) < 2 {
				return nil, "", fmt.Errorf("--upstream-proxy requires a proxy URL argument")
			}
			proxyCfg, err := dialer.ParseProxyURL(rest[1])
			if err != nil {
				return nil, "", fmt.Errorf("invalid upstream proxy: %w", err)
			}
			cfg.UpstreamProxy = proxyCfg
			rest = rest[2:]

		case "--ws-debug-addr":
			if len(rest) < 2 {
				return nil, "", fmt.Errorf("--ws-debug-addr requires a host:port argument")
			}
			wsDebugAddr = rest[1]
			rest = rest[2:]

		default:
			if len(rest) < 2 {
				return nil, "", fmt.Errorf("dangling search token with no matching replace: %q", rest[0])
			}
			cfg.Rules = append(cfg.Rules, relay.Rule{
				Needle:      unescapeToken(rest[0]),
				Replacement: unescapeToken(rest[1]),
			})
			rest = rest[2:]
		}
	}

	return cfg, wsDebugAddr, nil
}

// unescapeToken applies the CLI's escape convention: \n, \r, \t, and \\
// become their literal byte; anything else passes through unchanged.
func unescapeToken(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			case 't':
				b.WriteByte('\t')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
