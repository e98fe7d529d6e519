// Package router implements the proxy's mid-stream routing switch: a state
// object that, when an R2C relay observes a trigger message, dials a new
// pair of upstream sockets and hands them off to the connection's C2R relay
// exactly once.
package router

import (
	"net"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/driftcode/devproxy/pkg/errors"
)

// TransferSockets is the pair handed off on a successful switch: the new
// primary socket, and a side-channel socket that keeps delivering bytes
// from the original upstream's direction.
type TransferSockets struct {
	NewPrimary   net.Conn
	SideChannel  net.Conn
}

// Router holds the target to switch to and the one-slot hand-off queue.
// Constructed once per connection pair; shared (read-mostly) by both of
// that pair's relays.
type Router struct {
	targetHost     string
	primaryPort    int
	sideChanPort   int
	trigger        *regexp.Regexp

	switched int32 // atomic bool, latches true on first match
	queue    chan *TransferSockets
}

// New builds a router for one connection pair. triggerPattern must match
// the entire input: it is compiled wrapped as `^(?:pattern)$` and applied
// with regexp.MatchString, so a pattern that matches only part of a message
// does not trigger (use a leading/trailing `.*` to allow that).
func New(targetHost string, primaryPort, sideChanPort int, triggerPattern string) (*Router, error) {
	if _, err := regexp.Compile(triggerPattern); err != nil {
		return nil, errors.NewValidationError("invalid trigger regex: " + err.Error())
	}
	re, err := regexp.Compile("^(?:" + triggerPattern + ")$")
	if err != nil {
		return nil, errors.NewValidationError("invalid trigger regex: " + err.Error())
	}
	return &Router{
		targetHost:   targetHost,
		primaryPort:  primaryPort,
		sideChanPort: sideChanPort,
		trigger:      re,
		queue:        make(chan *TransferSockets, 1),
	}, nil
}

// CheckForSwitchMessage is called by the R2C relay with the full decoded
// text of one received chunk. If the router has not yet switched and text
// matches the trigger regex in full, it dials both the primary and
// side-channel targets, publishes the pair to the one-slot queue, and
// returns it. Otherwise it returns nil, nil. The switched flag transitions
// at most once; dial failure propagates as an I/O error.
func (r *Router) CheckForSwitchMessage(text string) (*TransferSockets, error) {
	if atomic.LoadInt32(&r.switched) != 0 {
		return nil, nil
	}
	if !r.trigger.MatchString(text) {
		return nil, nil
	}
	if !atomic.CompareAndSwapInt32(&r.switched, 0, 1) {
		return nil, nil
	}

	primaryAddr := net.JoinHostPort(r.targetHost, strconv.Itoa(r.primaryPort))
	sideAddr := net.JoinHostPort(r.targetHost, strconv.Itoa(r.sideChanPort))

	primary, err := net.Dial("tcp", primaryAddr)
	if err != nil {
		return nil, errors.NewIOError("dialing new primary socket", err)
	}
	side, err := net.Dial("tcp", sideAddr)
	if err != nil {
		primary.Close()
		return nil, errors.NewIOError("dialing side-channel socket", err)
	}

	pair := &TransferSockets{NewPrimary: primary, SideChannel: side}
	r.queue <- pair
	return pair, nil
}

// PullNewClient is called by the C2R relay. It is a non-blocking take from
// the one-slot queue; returns nil if nothing has been published yet.
func (r *Router) PullNewClient() *TransferSockets {
	select {
	case pair := <-r.queue:
		return pair
	default:
		return nil
	}
}
