package mq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coremqtt/coremqtt/internal/packets"
)

// persistedPublishRecord is the JSON shape stored under the outbound
// tag for a QoS 1/2 publish still awaiting acknowledgement.
type persistedPublishRecord struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	QoS      uint8
	Retain   bool
}

// persistedPubrelRecord is the JSON shape stored under the sent tag
// once an outbound QoS 2 publish has moved from "awaiting PUBREC" to
// "PUBREL sent, awaiting PUBCOMP". A crash-restart in this state must
// resend only PUBREL, never the original PUBLISH with DUP set.
type persistedPubrelRecord struct {
	PacketID uint16
}

func (c *Client) v5() bool {
	return c.opts.ProtocolVersion >= ProtocolV50
}

// persistPendingPublish writes the outbound record for a QoS>0 publish
// that has been assigned a packet id, before it is sent.
func (c *Client) persistPendingPublish(pkt *packets.PublishPacket) {
	p := c.commandPersistence()
	if p == nil || pkt.QoS == 0 {
		return
	}
	rec := persistedPublishRecord{PacketID: pkt.PacketID, Topic: pkt.Topic, Payload: pkt.Payload, QoS: pkt.QoS, Retain: pkt.Retain}
	data, err := json.Marshal(rec)
	if err != nil {
		c.opts.Logger.Warn("failed to marshal persisted publish", "error", err)
		return
	}
	key := persistenceKey(outboundTag(c.v5()), uint64(pkt.PacketID))
	if err := p.Put(key, data); err != nil {
		c.opts.Logger.Warn("failed to persist publish", "packet_id", pkt.PacketID, "error", err)
	}
}

// persistSentPubrel moves a QoS 2 publish's durability record from the
// outbound tag to the sent tag once PUBREL has been sent, so a restart
// in this state resumes the handshake at PUBREL instead of resending
// the original PUBLISH.
func (c *Client) persistSentPubrel(packetID uint16) {
	p := c.commandPersistence()
	if p == nil {
		return
	}
	v5 := c.v5()
	data, err := json.Marshal(persistedPubrelRecord{PacketID: packetID})
	if err != nil {
		c.opts.Logger.Warn("failed to marshal persisted pubrel", "error", err)
		return
	}
	if err := p.Put(persistenceKey(sentTag(v5), uint64(packetID)), data); err != nil {
		c.opts.Logger.Warn("failed to persist pubrel", "packet_id", packetID, "error", err)
		return
	}
	if err := p.Remove(persistenceKey(outboundTag(v5), uint64(packetID))); err != nil {
		c.opts.Logger.Warn("failed to remove persisted publish after pubrel", "packet_id", packetID, "error", err)
	}
}

// loadSessionState loads persisted in-flight publishes back into
// c.pending before the CONNECT packet is sent, so they can be
// retransmitted with DUP set once reconnected.
func (c *Client) loadSessionState() error {
	p := c.commandPersistence()
	if p == nil {
		return nil
	}

	c.opts.Logger.Debug("loading persisted session state")

	keys, err := p.Keys()
	if err != nil {
		return fmt.Errorf("failed to list persistence keys: %w", err)
	}

	tag := outboundTag(c.v5())
	c.pending = make(map[uint16]*pendingOp)
	c.inFlightCount = 0

	for _, key := range keys {
		if !strings.HasPrefix(key, tag+"-") {
			continue
		}
		data, ok, err := p.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec persistedPublishRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			c.opts.Logger.Warn("skipping corrupt persisted publish", "key", key, "error", err)
			continue
		}
		pkt := &packets.PublishPacket{
			Topic:    rec.Topic,
			Payload:  rec.Payload,
			QoS:      rec.QoS,
			Retain:   rec.Retain,
			PacketID: rec.PacketID,
			Dup:      true,
		}
		c.pending[rec.PacketID] = &pendingOp{
			packet:    pkt,
			token:     newToken(),
			qos:       rec.QoS,
			timestamp: time.Now(),
		}
		c.msgIDs.reserve(rec.PacketID)
		if rec.QoS > 0 {
			c.inFlightCount++
		}
	}

	sTag := sentTag(c.v5())
	for _, key := range keys {
		if !strings.HasPrefix(key, sTag+"-") {
			continue
		}
		data, ok, err := p.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec persistedPubrelRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			c.opts.Logger.Warn("skipping corrupt persisted pubrel", "key", key, "error", err)
			continue
		}
		pkt := &packets.PubrelPacket{PacketID: rec.PacketID, Version: c.opts.ProtocolVersion}
		c.pending[rec.PacketID] = &pendingOp{
			packet:    pkt,
			token:     newToken(),
			qos:       2,
			timestamp: time.Now(),
		}
		c.msgIDs.reserve(rec.PacketID)
		c.inFlightCount++
	}

	c.receivedQoS2 = make(map[uint16]struct{})
	rTag := receivedTag(c.v5())
	for _, key := range keys {
		if !strings.HasPrefix(key, rTag+"-") {
			continue
		}
		if _, ok, err := p.Get(key); err != nil || !ok {
			continue
		}
		if seqno, ok := parseSeqnoFromKey(key); ok {
			c.receivedQoS2[uint16(seqno)] = struct{}{}
		}
	}

	c.opts.Logger.Info("loaded persisted session state", "pending", len(c.pending), "received_qos2", len(c.receivedQoS2))
	return nil
}

// checkSessionPresent handles the SessionPresent flag from CONNACK: if
// false, the server has no memory of our session, so locally-persisted
// QoS 2 "received" bookkeeping is stale and subscriptions must be
// reinstated.
func (c *Client) checkSessionPresent(sessionPresent bool) error {
	c.sessionManager.onSessionPresent(sessionPresent)

	if sessionPresent {
		c.opts.Logger.Debug("session present, keeping loaded state")
		return nil
	}

	c.opts.Logger.Debug("session not present (clean start), clearing stale state and resubscribing")

	if p := c.commandPersistence(); p != nil {
		keys, err := p.Keys()
		if err == nil {
			tag := receivedTag(c.v5()) + "-"
			for _, key := range keys {
				if strings.HasPrefix(key, tag) {
					_ = p.Remove(key)
				}
			}
		}
	}

	c.internalResetState()
	c.resubscribeAll()
	return nil
}

// parseSeqnoFromKey extracts the trailing "-<seqno>" component of a
// persistence key built by persistenceKey.
func parseSeqnoFromKey(key string) (uint64, bool) {
	idx := strings.LastIndex(key, "-")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(key[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
