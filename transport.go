package mq

import (
	"net"

	"github.com/coremqtt/coremqtt/internal/packets"
)

// transport is the Transport Port: a connected byte stream plus the
// single-slot write mechanism the Scheduler's send worker uses to avoid
// blocking on a slow peer.
//
// Go's net.Conn has no non-blocking poll()/write primitive the way the
// original architecture's Socket layer does. transport models the same
// backpressure signal with a writer pump goroutine and a 1-buffered
// channel: the channel being full IS "the pending-write slot is
// occupied", and commandQueue.next skips a client whose slot is full
// exactly as the original skips a socket still draining a partial
// write. See DESIGN.md for the full writeup of this substitution.
type transport interface {
	// submit hands a fully-encoded packet to the writer pump. It returns
	// false without blocking if the pending-write slot is still
	// occupied; the caller should leave the command queued and retry on
	// the next scheduler tick.
	submit(frame []byte) bool

	// inbox is drained exclusively by the Scheduler's receive worker; it
	// delivers raw decoded packets read off the connection by the
	// reader pump.
	inbox() <-chan inboundFrame

	// close tears down the underlying connection and stops both pumps.
	close() error

	// remoteAddr reports the peer address, for logging.
	remoteAddr() string

	// ready reports whether the pending-write slot is free, without
	// blocking. The Scheduler's send worker uses this to skip a client
	// in commandQueue.next rather than stall behind a slow peer.
	ready() bool
}

// inboundFrame is one packet decoded by the reader pump, or the error
// that ended the read loop (connection reset, codec failure, EOF).
type inboundFrame struct {
	packet packets.Packet
	err    error
}

// newConnTransport wraps an already-established net.Conn (from the TCP,
// TLS, or WebSocket dialer, or a test fake) as a transport, starting its
// reader and writer pump goroutines.
func newConnTransport(conn net.Conn, version uint8, maxIncomingPacket int) transport {
	return newPumpTransport(conn, version, maxIncomingPacket)
}
