package mq

import (
	"time"

	"github.com/coremqtt/coremqtt/internal/packets"
)

// commandKind distinguishes the Queued Command variants the Command
// Queue dispatches. One queued shape covers publish, subscribe, and
// unsubscribe requests, since the queue orders and selects across all
// of them for every client handle sharing the two workers, not just one
// client's own channels.
type commandKind int

const (
	cmdConnect commandKind = iota
	cmdPublish
	cmdSubscribe
	cmdUnsubscribe
	cmdDisconnect
	cmdPing
)

func (k commandKind) String() string {
	switch k {
	case cmdConnect:
		return "CONNECT"
	case cmdPublish:
		return "PUBLISH"
	case cmdSubscribe:
		return "SUBSCRIBE"
	case cmdUnsubscribe:
		return "UNSUBSCRIBE"
	case cmdDisconnect:
		return "DISCONNECT"
	case cmdPing:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// command is one Queued Command: a pending unit of work the Command
// Queue will hand to a client's connection once it is selected by the
// Scheduler's send worker. It owns the token that completes when the
// operation's final acknowledgement (or failure) is known.
//
// The same shape also carries CONNECT/DISCONNECT/PINGREQ, so one queue,
// one ordering rule, and one persistence-of-intent path cover every
// packet kind that needs a completion callback.
type command struct {
	kind     commandKind
	clientID string // the owning client handle, for queue selection

	publish     *packets.PublishPacket
	subscribe   *packets.SubscribePacket
	unsubscribe *packets.UnsubscribePacket
	disconnect  *packets.DisconnectPacket

	// handler is attached for subscribe commands so the Session Manager
	// can register it against matching topics before the SUBACK arrives.
	handler MessageHandler
	// persistenceOpt records the per-subscription SubscribeOptions to
	// restore after a SUBACK.
	persistenceOpt SubscribeOptions
	// topics is set for unsubscribe commands.
	topics []string

	token *token

	// seqno is this command's persistence sequence number, assigned by
	// Runtime.enqueue to commands that commandPersistable accepts (QoS>0
	// publishes, subscribes, unsubscribes) and used to build the key of
	// its queued-command record. PUBREL records are keyed by packet id
	// instead. 0 means "not persisted".
	seqno uint64

	// queuedAt records when the command entered the queue. Nothing reads
	// it.
	queuedAt time.Time

	// headInsert marks commands that must be dispatched before any
	// other queued command for this client: CONNECT and an
	// internally-generated DISCONNECT (e.g. on protocol error).
	headInsert bool
}

// packetID returns the MQTT packet identifier carried by this command's
// packet, or 0 if it doesn't carry one (CONNECT, DISCONNECT, PING).
func (c *command) packetID() uint16 {
	switch c.kind {
	case cmdPublish:
		if c.publish != nil {
			return c.publish.PacketID
		}
	case cmdSubscribe:
		if c.subscribe != nil {
			return c.subscribe.PacketID
		}
	case cmdUnsubscribe:
		if c.unsubscribe != nil {
			return c.unsubscribe.PacketID
		}
	}
	return 0
}

// qos returns the QoS of a publish command, or 0 for every other kind.
func (c *command) qos() uint8 {
	if c.kind == cmdPublish && c.publish != nil {
		return c.publish.QoS
	}
	return 0
}

// complete finishes the command's token exactly once. Safe to call from
// either worker goroutine or from a timeout path.
func (c *command) complete(err error) {
	if c.token != nil {
		c.token.complete(err)
	}
}
