// Package constants defines magic numbers shared by the proxy engine.
package constants

import "time"

// Connection timeouts and limits.
const (
	DefaultConnTimeout  = 10 * time.Second
	DefaultReadTimeout  = 30 * time.Second
	ShutdownGracePeriod = 5 * time.Second
)

// HTTP limits.
const (
	// MaxHeaderBytes caps the size of a parsed HTTP header block.
	MaxHeaderBytes = 64 * 1024
)

// Relay tuning, per spec §4.G and §9.
const (
	// RelayChunkSize is the read buffer size for each half-duplex relay
	// turn. Substitutions never cross this boundary; this is a deliberate
	// simplification the spec asks implementations to preserve.
	RelayChunkSize = 64 * 1024

	// LogTruncateChars caps a logged message body at this many characters.
	LogTruncateChars = 500

	// DefaultMaxMsgsDisplay is the per-connection verbose-logging cap,
	// overridable via the max.msgs.display environment variable.
	DefaultMaxMsgsDisplay = 1 << 30

	// WSNoiseMsgsDisplay is the tighter cap applied once a connection is
	// detected to be carrying WebSocket traffic.
	WSNoiseMsgsDisplay = 999

	// StatsLogInterval is how often a high-volume connection emits a
	// periodic "Packets=N, Total Bytes=M" stats line instead of full
	// message bodies.
	StatsLogInterval = 10 * time.Second
)

// WebSocket framing, per RFC 6455 and spec §4.D.
const (
	// WSGUID is appended to Sec-WebSocket-Key before SHA-1 + base64 to
	// compute Sec-WebSocket-Accept.
	WSGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// WSWriterPollInterval bounds how long the server-side writer task
	// blocks on the outgoing queue before re-checking its active flag.
	WSWriterPollInterval = 200 * time.Millisecond

	// WSOutgoingQueueSize bounds the server connection's outgoing FIFO.
	WSOutgoingQueueSize = 256
)

// Buffer limits, per the body-storage strategy borrowed for HTTP exchanges.
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB
)
