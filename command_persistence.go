package mq

import (
	"encoding/json"
	"strings"

	"github.com/coremqtt/coremqtt/internal/packets"
)

// persistedCommandRecord is the JSON shape stored under the command tag
// for a Queued Command that has been accepted by Publish/Subscribe/
// Unsubscribe but not yet handed to dispatch. Only the publish case
// carries enough state to be reconstructed after a restart; subscribe
// and unsubscribe commands are persisted too so the "either queued with
// a key present, or both absent" invariant holds across the window
// between enqueue and dispatch, but their handler func can't survive a
// process restart and restore discards them with a log line.
type persistedCommandRecord struct {
	Kind    commandKind
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
	Topics  []string
}

// commandPersistable reports whether a command's intent must survive a
// crash between the call that created it and the Scheduler handing it
// to dispatch. QoS 0 publishes carry no delivery guarantee to begin
// with, so only QoS 1/2 publishes join subscribe/unsubscribe here.
func commandPersistable(cmd *command) bool {
	switch cmd.kind {
	case cmdPublish:
		return cmd.qos() > 0
	case cmdSubscribe, cmdUnsubscribe:
		return true
	default:
		return false
	}
}

// persistQueuedCommand writes cmd's durability record under the command
// tag. Called by Runtime.enqueue while cmd still sits in the queue, so
// a crash before the Scheduler selects it for dispatch still finds the
// command recorded.
func (c *Client) persistQueuedCommand(cmd *command) {
	if !commandPersistable(cmd) || cmd.seqno == 0 {
		return
	}
	p := c.commandPersistence()
	if p == nil {
		return
	}

	rec := persistedCommandRecord{Kind: cmd.kind}
	switch cmd.kind {
	case cmdPublish:
		rec.Topic = cmd.publish.Topic
		rec.Payload = cmd.publish.Payload
		rec.QoS = cmd.publish.QoS
		rec.Retain = cmd.publish.Retain
	case cmdSubscribe:
		rec.Topics = cmd.subscribe.Topics
	case cmdUnsubscribe:
		rec.Topics = cmd.topics
	}

	data, err := json.Marshal(rec)
	if err != nil {
		c.opts.Logger.Warn("failed to marshal queued command", "error", err)
		return
	}
	key := persistenceKey(commandTag(c.v5()), cmd.seqno)
	if err := p.Put(key, data); err != nil {
		c.opts.Logger.Warn("failed to persist queued command", "seqno", cmd.seqno, "error", err)
	}
}

// removePersistedCommand deletes cmd's command-tag record, called once
// the Scheduler has handed cmd off to dispatch: from that point a crash
// is covered by the publish/sent/received records instead.
func (c *Client) removePersistedCommand(cmd *command) {
	if !commandPersistable(cmd) || cmd.seqno == 0 {
		return
	}
	p := c.commandPersistence()
	if p == nil {
		return
	}
	key := persistenceKey(commandTag(c.v5()), cmd.seqno)
	if err := p.Remove(key); err != nil {
		c.opts.Logger.Warn("failed to remove persisted queued command", "seqno", cmd.seqno, "error", err)
	}
}

// restoreQueuedCommands re-enqueues publish commands left under the
// command tag by a process that crashed between accepting a
// Publish/Subscribe/Unsubscribe call and the Scheduler dispatching it.
// Subscribe and unsubscribe records can't be reconstructed - the
// MessageHandler they carried is gone - so they are discarded with a
// warning; WithSubscription/InitialSubscriptions cover the durable-
// subscription case across restarts instead.
func (c *Client) restoreQueuedCommands() {
	p := c.commandPersistence()
	if p == nil {
		return
	}

	keys, err := p.Keys()
	if err != nil {
		c.opts.Logger.Warn("failed to list persistence keys for queued commands", "error", err)
		return
	}

	tag := commandTag(c.v5()) + "-"
	var restored, discarded int
	for _, key := range keys {
		if !strings.HasPrefix(key, tag) {
			continue
		}
		data, ok, err := p.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec persistedCommandRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			c.opts.Logger.Warn("skipping corrupt persisted command", "key", key, "error", err)
			_ = p.Remove(key)
			continue
		}

		if rec.Kind != cmdPublish {
			c.opts.Logger.Warn("discarding persisted command with no recoverable handler", "kind", rec.Kind.String(), "key", key)
			_ = p.Remove(key)
			discarded++
			continue
		}

		pkt := &packets.PublishPacket{
			Topic:   rec.Topic,
			Payload: rec.Payload,
			QoS:     rec.QoS,
			Retain:  rec.Retain,
			Version: c.opts.ProtocolVersion,
		}
		cmd := &command{
			kind:     cmdPublish,
			clientID: c.opts.ClientID,
			publish:  pkt,
			token:    newToken(),
		}
		_ = p.Remove(key)
		if err := c.runtime.enqueue(cmd); err != nil {
			c.opts.Logger.Warn("failed to re-enqueue restored publish command", "error", err)
			continue
		}
		restored++
	}

	if restored > 0 || discarded > 0 {
		c.opts.Logger.Info("restored queued commands", "restored", restored, "discarded", discarded)
	}
}
