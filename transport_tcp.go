package mq

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/coremqtt/coremqtt/internal/packets"
)

// pumpTransport is the transport implementation shared by every dialer
// (TCP, TLS, WebSocket, or a user-supplied ContextDialer): once a
// net.Conn exists, the pump goroutines are identical regardless of how
// the byte stream was established.
//
// The reader pump does the one piece of unavoidably blocking work
// (packets.ReadPacket performs io.ReadFull internally) and forwards
// decoded packets to inbox, which the Scheduler's receive worker drains.
// The writer pump does the matching blocking Write, gated by a
// 1-buffered channel that models the pending-write slot.
type pumpTransport struct {
	conn    net.Conn
	version uint8
	maxIn   int

	writeSlot chan []byte
	in        chan inboundFrame
	closeOnce chan struct{}
}

func newPumpTransport(conn net.Conn, version uint8, maxIncomingPacket int) *pumpTransport {
	t := &pumpTransport{
		conn:      conn,
		version:   version,
		maxIn:     maxIncomingPacket,
		writeSlot: make(chan []byte, 1),
		in:        make(chan inboundFrame, 32),
		closeOnce: make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t
}

func (t *pumpTransport) submit(frame []byte) bool {
	select {
	case t.writeSlot <- frame:
		return true
	default:
		return false
	}
}

func (t *pumpTransport) inbox() <-chan inboundFrame {
	return t.in
}

func (t *pumpTransport) close() error {
	select {
	case <-t.closeOnce:
	default:
		close(t.closeOnce)
	}
	return t.conn.Close()
}

func (t *pumpTransport) ready() bool {
	return len(t.writeSlot) == 0
}

func (t *pumpTransport) remoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

func (t *pumpTransport) readPump() {
	r := bufio.NewReader(t.conn)
	for {
		pkt, err := packets.ReadPacket(r, t.version, t.maxIn)
		select {
		case t.in <- inboundFrame{packet: pkt, err: err}:
		case <-t.closeOnce:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *pumpTransport) writePump() {
	for {
		select {
		case frame := <-t.writeSlot:
			if _, err := t.conn.Write(frame); err != nil {
				select {
				case t.in <- inboundFrame{err: fmt.Errorf("transport write: %w", err)}:
				case <-t.closeOnce:
				}
				return
			}
		case <-t.closeOnce:
			return
		}
	}
}

// dialTCP establishes a plain or TLS TCP connection for the given server
// URI: tcp:// (plain), ssl:// / tls:// / mqtts:// (TLS), default ports
// 1883/8883.
func dialTCP(ctx context.Context, rawURL string, tlsConfig *tls.Config, dialer ContextDialer, timeout time.Duration) (net.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", rawURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	useTLS := scheme == "ssl" || scheme == "tls" || scheme == "mqtts"

	host := u.Host
	if u.Port() == "" {
		if useTLS {
			host = net.JoinHostPort(u.Hostname(), "8883")
		} else {
			host = net.JoinHostPort(u.Hostname(), "1883")
		}
	}

	dctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if dialer != nil {
		return dialer.DialContext(dctx, scheme, rawURL)
	}

	nd := &net.Dialer{}
	if useTLS {
		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: u.Hostname()}
		} else if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = u.Hostname()
		}
		td := &tls.Dialer{NetDialer: nd, Config: cfg}
		return td.DialContext(dctx, "tcp", host)
	}
	return nd.DialContext(dctx, "tcp", host)
}
