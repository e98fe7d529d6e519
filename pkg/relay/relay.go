// Package relay implements the per-direction worker of a proxied
// connection: it reads chunks from its input, applies the connection's
// static search/replace rules, runs the Content-Length adjuster on HTTP
// data, consults the stream router for mid-connection hand-offs, writes
// the (possibly rewritten) bytes to its output, and logs every turn.
package relay

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/driftcode/devproxy/pkg/cladjust"
	"github.com/driftcode/devproxy/pkg/constants"
	"github.com/driftcode/devproxy/pkg/logsink"
	"github.com/driftcode/devproxy/pkg/prefixedsrc"
	"github.com/driftcode/devproxy/pkg/router"
)

// Direction tags one half of a proxied connection. Immutable once a Relay
// is constructed.
type Direction string

const (
	C2R Direction = "C2R" // client to remote (upstream)
	R2C Direction = "R2C" // remote (upstream) to client
)

// Relay is the per-direction worker described by SPEC_FULL.md's
// half-duplex relay component. Construct one per direction per connection
// pair, sharing the same StopFlag and Router between both directions.
type Relay struct {
	direction Direction
	label     string
	log       *logsink.Sink
	stop      *StopFlag
	rules     []Rule
	router    *router.Router

	in  io.Reader
	out io.Writer

	// clientOut is the original client-facing output sink; only used by
	// R2C relays to know where to point an auxiliary relay's output after
	// a routing switch steals the primary out.
	clientOut io.Writer

	msgCount      int64
	totalBytes    int64
	maxMsgsDisplay int64
	lastStatsLog  time.Time

	onAuxiliary func(aux *Relay)
}

// Config bundles the Relay constructor arguments.
type Config struct {
	Input     io.Reader
	Output    io.Writer
	Direction Direction
	Label     string
	Log       *logsink.Sink
	Stop      *StopFlag
	Rules     []Rule
	Router    *router.Router

	// MaxMsgsDisplay overrides the initial per-connection verbose-logging
	// cap (defaults to constants.DefaultMaxMsgsDisplay, matching the
	// max.msgs.display environment knob).
	MaxMsgsDisplay int64

	// OnAuxiliary, when set, is invoked synchronously with each
	// auxiliary relay spawned by a routing switch so the caller can run
	// it (typically `go aux.Run()`). When nil, the relay starts each
	// auxiliary relay itself with `go aux.Run()`.
	OnAuxiliary func(aux *Relay)
}

// New constructs a relay. Call Run to drive it (Run blocks; callers spawn
// it as a goroutine).
func New(cfg Config) *Relay {
	maxMsgs := cfg.MaxMsgsDisplay
	if maxMsgs <= 0 {
		maxMsgs = constants.DefaultMaxMsgsDisplay
		if v, err := strconv.ParseInt(os.Getenv("max.msgs.display"), 10, 64); err == nil && v > 0 {
			maxMsgs = v
		}
	}
	return &Relay{
		direction:      cfg.Direction,
		label:          cfg.Label,
		log:            cfg.Log,
		stop:           cfg.Stop,
		rules:          cfg.Rules,
		router:         cfg.Router,
		in:             cfg.Input,
		out:            cfg.Output,
		clientOut:      cfg.Output,
		maxMsgsDisplay: maxMsgs,
		onAuxiliary:    cfg.OnAuxiliary,
	}
}

var iso88591 = charmap.ISO8859_1

// Run drives the relay's read-rewrite-write loop until the shared stop
// flag is raised or its input is exhausted. It always closes whatever its
// current input/output are on exit, and logs a final stats line.
func (r *Relay) Run() {
	buf := make([]byte, constants.RelayChunkSize)

	for !r.stop.IsSet() {
		if r.direction == C2R {
			r.pickupForC2R()
		}

		n, err := r.in.Read(buf)
		if err != nil {
			r.handleReadError(err)
			break
		}
		if n == 0 {
			continue
		}

		if r.direction == C2R {
			if abandoned := r.pickupForC2RMidRead(buf[:n]); abandoned {
				continue
			}
		}

		if err := r.processChunk(buf[:n]); err != nil {
			r.handleWriteError(err)
			break
		}
	}

	r.closeEndpoints()
	r.logFinalStats()
}

func (r *Relay) pickupForC2R() {
	if r.router == nil {
		return
	}
	pair := r.router.PullNewClient()
	if pair == nil {
		return
	}
	r.log.Info(r.label, "routing switch: reading input from new primary socket")

	originalIn := r.in
	r.in = pair.NewPrimary

	aux := New(Config{
		Input:     originalIn,
		Output:    pair.SideChannel,
		Direction: C2R,
		Label:     r.label + "-aux",
		Log:       r.log,
		Stop:      r.stop,
		Rules:     r.rules,
	})
	r.spawnAuxiliary(aux)
}

// pickupForC2RMidRead handles the case where the switch arrives during the
// blocking read itself: the bytes already read this turn are prepended to
// the new primary's input via a prefixed source, and the caller must
// abandon (not write) this iteration.
func (r *Relay) pickupForC2RMidRead(readSoFar []byte) bool {
	if r.router == nil {
		return false
	}
	pair := r.router.PullNewClient()
	if pair == nil {
		return false
	}
	r.log.Info(r.label, "routing switch observed mid-read: prepending in-flight bytes")

	prefix := make([]byte, len(readSoFar))
	copy(prefix, readSoFar)

	originalIn := r.in
	r.in = prefixedsrc.New(prefix, pair.NewPrimary)

	aux := New(Config{
		Input:     originalIn,
		Output:    pair.SideChannel,
		Direction: C2R,
		Label:     r.label + "-aux",
		Log:       r.log,
		Stop:      r.stop,
		Rules:     r.rules,
	})
	r.spawnAuxiliary(aux)
	return true
}

func (r *Relay) spawnAuxiliary(aux *Relay) {
	if r.onAuxiliary != nil {
		r.onAuxiliary(aux)
		return
	}
	go aux.Run()
}

// processChunk transforms and writes one chunk. It returns the first
// write/flush failure so Run can terminate both relays via the stop flag,
// matching §5's "socket read or write failure on either relay" rule.
func (r *Relay) processChunk(chunk []byte) error {
	atomic.AddInt64(&r.msgCount, 1)
	atomic.AddInt64(&r.totalBytes, int64(len(chunk)))

	originalText, err := iso88591.NewDecoder().String(string(chunk))
	if err != nil {
		originalText = string(chunk)
	}

	if strings.Contains(originalText, "Connection: upgrade") || strings.Contains(originalText, "Sec-WebSocket") {
		atomic.StoreInt64(&r.maxMsgsDisplay, constants.WSNoiseMsgsDisplay)
	}

	modifiedText := applyRules(originalText, r.rules)
	if modifiedText != originalText {
		modifiedText = cladjust.Adjust(originalText, modifiedText, func(line string) {
			r.log.Log(string(r.direction), r.label, line)
		})
	}

	r.logChunk(originalText)

	var writeErr error
	if modifiedText == originalText {
		_, writeErr = r.out.Write(chunk)
	} else {
		encoded, err := iso88591.NewEncoder().String(modifiedText)
		if err != nil {
			encoded = modifiedText
		}
		_, writeErr = r.out.Write([]byte(encoded))
	}
	if writeErr != nil {
		return writeErr
	}

	if f, ok := r.out.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}

	if r.direction == R2C && r.router != nil {
		r.triggerForR2C(originalText)
	}
	return nil
}

func (r *Relay) triggerForR2C(originalText string) {
	pair, err := r.router.CheckForSwitchMessage(originalText)
	if err != nil {
		r.log.Info(r.label, "routing dial failed: "+err.Error())
		r.stop.Set()
		return
	}
	if pair == nil {
		return
	}
	r.log.Info(r.label, "routing switch: redirecting output to new primary socket")

	originalClientOut := r.clientOut
	r.out = pair.NewPrimary
	r.clientOut = pair.NewPrimary

	aux := New(Config{
		Input:     pair.SideChannel,
		Output:    originalClientOut,
		Direction: R2C,
		Label:     r.label + "-aux",
		Log:       r.log,
		Stop:      r.stop,
		Rules:     r.rules,
	})
	r.spawnAuxiliary(aux)
}

func applyRules(text string, rules []Rule) string {
	for _, rule := range rules {
		if rule.Needle == "" {
			continue
		}
		text = strings.ReplaceAll(text, rule.Needle, rule.Replacement)
	}
	return text
}

func (r *Relay) logChunk(originalText string) {
	count := atomic.LoadInt64(&r.msgCount)
	displayCap := atomic.LoadInt64(&r.maxMsgsDisplay)

	if count <= displayCap {
		r.log.Log(string(r.direction), r.label, escapeForLog(originalText, constants.LogTruncateChars))
		return
	}

	if strings.HasPrefix(originalText, "GET ") || strings.HasPrefix(originalText, "POST ") {
		r.log.Log(string(r.direction), r.label, escapeForLog(originalText, constants.LogTruncateChars))
		return
	}

	if time.Since(r.lastStatsLog) >= constants.StatsLogInterval {
		r.lastStatsLog = time.Now()
		r.log.Log(string(r.direction), r.label, r.statsLine())
	}
}

func (r *Relay) statsLine() string {
	return fmt.Sprintf("Packets=%d, Total Bytes=%d",
		atomic.LoadInt64(&r.msgCount), atomic.LoadInt64(&r.totalBytes))
}

func (r *Relay) logFinalStats() {
	r.log.Info(r.label, "Connection closed: "+r.statsLine())
}

func (r *Relay) handleReadError(err error) {
	r.stop.Set()
	msg := err.Error()
	if err == io.EOF || strings.Contains(msg, "use of closed network connection") || strings.Contains(msg, "Socket closed") {
		r.log.Info(r.label, "Socket closed")
		return
	}
	if strings.Contains(msg, "Connection or inbound has closed") {
		r.log.Info(r.label, "Connection or inbound has closed")
		return
	}
	r.log.Info(r.label, "relay error: "+err.Error())
}

func (r *Relay) handleWriteError(err error) {
	r.stop.Set()
	msg := err.Error()
	if strings.Contains(msg, "use of closed network connection") || strings.Contains(msg, "Socket closed") {
		r.log.Info(r.label, "Socket closed")
		return
	}
	if strings.Contains(msg, "Connection or inbound has closed") {
		r.log.Info(r.label, "Connection or inbound has closed")
		return
	}
	r.log.Info(r.label, "relay error: "+err.Error())
}

func (r *Relay) closeEndpoints() {
	r.stop.Set()
	if c, ok := r.in.(io.Closer); ok {
		c.Close()
	}
	if c, ok := r.out.(io.Closer); ok {
		c.Close()
	}
}

type flusher interface {
	Flush() error
}
