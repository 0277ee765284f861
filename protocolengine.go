package mq

import (
	"bytes"
	"time"

	"github.com/coremqtt/coremqtt/internal/packets"
)

// internalResetState clears ephemeral in-memory protocol state (the
// received-QoS2 dedup set) on a clean-start reconnect. Persisted
// in-flight publishes are handled separately by checkSessionPresent.
func (c *Client) internalResetState() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()
	c.receivedQoS2 = make(map[uint16]struct{})
	c.pendingQoS2Msgs = make(map[uint16]Message)
}

// handleIncoming is the Protocol Engine's packet dispatch, called by the
// Scheduler's receive worker whenever a packet arrives for this client.
// It is no longer run inside a per-client logicLoop goroutine - the
// caller already holds c.sessionLock for the duration, matching the
// "user callbacks always delivered on one of the two shared worker
// threads" invariant.
func (c *Client) handleIncoming(pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		c.handlePublish(p)
	case *packets.PubackPacket:
		c.handlePuback(p)
	case *packets.PubrecPacket:
		c.handlePubrec(p)
	case *packets.PubrelPacket:
		c.handlePubrel(p)
	case *packets.PubcompPacket:
		c.handlePubcomp(p)
	case *packets.SubackPacket:
		c.handleSuback(p)
	case *packets.UnsubackPacket:
		c.handleUnsuback(p)
	case *packets.PingrespPacket:
		c.pingPending.Store(false)
	case *packets.DisconnectPacket:
		c.handleDisconnectPacket(p)
	case *packets.AuthPacket:
		c.handleAuth(p)
	}
}

// handlePublish processes an incoming PUBLISH packet: topic alias
// resolution, receive-maximum bookkeeping, QoS 2 dedup, handler dispatch,
// and the matching PUBACK/PUBREC.
func (c *Client) handlePublish(p *packets.PublishPacket) {
	if c.opts.ProtocolVersion >= ProtocolV50 && p.Properties != nil && p.Properties.Presence&packets.PresTopicAlias != 0 {
		if !c.resolveInboundTopicAlias(p) {
			return
		}
	}

	if c.opts.ProtocolVersion >= ProtocolV50 && p.QoS > 0 {
		if !c.checkInboundReceiveMaximum(p.PacketID) {
			return
		}
	}

	msg := Message{
		Topic:      p.Topic,
		Payload:    p.Payload,
		QoS:        QoS(p.QoS),
		Retained:   p.Retain,
		Duplicate:  p.Dup,
		Properties: toPublicProperties(p.Properties),
	}

	if p.QoS == 2 {
		if _, exists := c.receivedQoS2[p.PacketID]; exists {
			c.send(&packets.PubrecPacket{PacketID: p.PacketID})
			return
		}
		c.receivedQoS2[p.PacketID] = struct{}{}

		if store := c.commandPersistence(); store != nil {
			key := persistenceKey(receivedTag(c.opts.ProtocolVersion >= ProtocolV50), uint64(p.PacketID))
			if err := store.Put(key, []byte{}); err != nil {
				c.opts.Logger.Warn("failed to persist received QoS2 id", "packet_id", p.PacketID, "error", err)
			}
		}

		// v5.0 delivers on first receipt; v3.1.1 defers delivery until
		// the matching PUBREL, since a v3.1.1 server may itself redeliver
		// the PUBLISH (with DUP) before sending PUBREL.
		if c.opts.ProtocolVersion >= ProtocolV50 {
			if !c.deliverMessage(msg) {
				c.enqueueMessage(msg)
			}
		} else {
			c.pendingQoS2Msgs[p.PacketID] = msg
		}

		c.send(&packets.PubrecPacket{PacketID: p.PacketID})
		return
	}

	if !c.deliverMessage(msg) {
		c.enqueueMessage(msg)
	}

	if p.QoS == 1 {
		if c.send(&packets.PubackPacket{PacketID: p.PacketID}) {
			delete(c.inboundUnacked, p.PacketID)
		}
	}
}

// resolveInboundTopicAlias resolves or registers a v5 topic alias on an
// inbound PUBLISH. Returns false if the packet was malformed and the
// client has already been disconnected in response.
func (c *Client) resolveInboundTopicAlias(p *packets.PublishPacket) bool {
	aliasID := p.Properties.TopicAlias

	if aliasID == 0 {
		c.protocolError(ReasonCodeTopicAliasInvalid, "server sent invalid topic alias 0")
		return false
	}
	if c.opts.TopicAliasMaximum > 0 && aliasID > c.opts.TopicAliasMaximum {
		c.protocolError(ReasonCodeTopicAliasInvalid, "server exceeded topic alias maximum")
		return false
	}

	if p.Topic == "" {
		c.receivedAliasesLock.RLock()
		topic, exists := c.receivedAliases[aliasID]
		c.receivedAliasesLock.RUnlock()
		if !exists {
			c.protocolError(ReasonCodeMalformedPacket, "server sent unknown topic alias")
			return false
		}
		p.Topic = topic
		return true
	}

	c.receivedAliasesLock.Lock()
	c.receivedAliases[aliasID] = p.Topic
	c.receivedAliasesLock.Unlock()
	return true
}

// checkInboundReceiveMaximum enforces the symmetric inbound counterpart
// to the CONNACK-driven outbound ReceiveMaximum clamp: the original
// source applies the same flow-control check to messages it is being
// sent, not only to messages it sends.
func (c *Client) checkInboundReceiveMaximum(packetID uint16) bool {
	if _, exists := c.inboundUnacked[packetID]; exists {
		return true
	}
	limit := c.opts.ReceiveMaximum
	if limit == 0 {
		limit = 65535
	}
	if len(c.inboundUnacked) >= int(limit) {
		if c.opts.ReceiveMaximumPolicy == LimitPolicyStrict {
			c.opts.Logger.Error("receive maximum exceeded", "limit", limit)
			c.protocolError(ReasonCodeReceiveMaximumExceed, "receive maximum exceeded")
			return false
		}
		if !c.receiveMaxExceededLogged {
			c.opts.Logger.Warn("receive maximum exceeded, ignoring (server is misbehaving)", "limit", limit)
			c.receiveMaxExceededLogged = true
		}
	}
	c.inboundUnacked[packetID] = struct{}{}
	return true
}

// protocolError tears down the current connection in response to a
// protocol violation by the server, with a v5 DISCONNECT reason code
// where applicable. Unlike the user-facing Disconnect, this leaves the
// client registered with the Runtime and its supervisor running, so
// AutoReconnect still applies - a misbehaving server on one connection
// attempt shouldn't permanently kill the client handle.
func (c *Client) protocolError(code ReasonCode, msg string) {
	c.opts.Logger.Error(msg, "reason_code", uint8(code))
	if c.opts.ProtocolVersion >= ProtocolV50 {
		c.send(&packets.DisconnectPacket{
			Version:    c.opts.ProtocolVersion,
			ReasonCode: uint8(code),
		})
	}
	c.handleDisconnect()
}

// send encodes pkt and hands it to the transport's write slot on a
// best-effort basis: if the slot is still occupied by a prior frame,
// the send is dropped and left to the server's own retransmission
// (PUBLISH with DUP) rather than blocking the shared worker that called
// in.
func (c *Client) send(pkt packets.Packet) bool {
	c.connLock.RLock()
	t := c.transport
	c.connLock.RUnlock()
	if t == nil {
		return false
	}

	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		c.opts.Logger.Error("failed to encode outgoing packet", "error", err)
		return false
	}

	if !t.submit(buf.Bytes()) {
		return false
	}
	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(buf.Len()))
	c.lastSentNano.Store(time.Now().UnixNano())
	c.opts.Logger.Debug("sending packet", "type", packets.PacketNames[pkt.Type()])
	return true
}

func (c *Client) commandPersistence() Persistence {
	if c.opts.Persistence == nil {
		return nil
	}
	return c.opts.Persistence
}

// handlePuback processes a PUBACK (QoS 1 acknowledgement).
func (c *Client) handlePuback(p *packets.PubackPacket) {
	op, ok := c.pending[p.PacketID]
	if !ok {
		return
	}
	var err error
	if c.opts.ProtocolVersion >= ProtocolV50 && p.ReasonCode >= 0x80 {
		err = &MqttError{ReasonCode: ReasonCode(p.ReasonCode)}
	}
	op.token.complete(err)
	delete(c.pending, p.PacketID)
	c.msgIDs.release(p.PacketID)
	c.deletePersistedOutbound(p.PacketID)
	c.inFlightCount--
	c.processPublishQueue()
}

// handlePubrec processes a PUBREC (QoS 2, step 1): moves the in-flight
// record from "sent, awaiting PUBREC" to "PUBREL sent, awaiting PUBCOMP".
// A PUBREC that arrives after the command already completed via PUBCOMP
// (a duplicate/late PUBREC) is ignored, per the design note on that race.
func (c *Client) handlePubrec(p *packets.PubrecPacket) {
	op, ok := c.pending[p.PacketID]
	if !ok {
		return
	}
	if c.opts.ProtocolVersion >= ProtocolV50 && p.ReasonCode >= 0x80 {
		op.token.complete(&MqttError{ReasonCode: ReasonCode(p.ReasonCode)})
		delete(c.pending, p.PacketID)
		c.msgIDs.release(p.PacketID)
		c.deletePersistedOutbound(p.PacketID)
		c.inFlightCount--
		c.processPublishQueue()
		return
	}

	pubrel := &packets.PubrelPacket{PacketID: p.PacketID, Version: c.opts.ProtocolVersion}
	c.persistSentPubrel(p.PacketID)
	if c.send(pubrel) {
		op.packet = pubrel
		op.timestamp = time.Now()
	}
}

// handlePubrel processes a PUBREL (QoS 2, step 2): for v3.1.1, delivers
// the message deferred since PUBLISH receipt; then completes the inbound
// exactly-once handshake with a PUBCOMP.
func (c *Client) handlePubrel(p *packets.PubrelPacket) {
	if c.opts.ProtocolVersion < ProtocolV50 {
		if msg, ok := c.pendingQoS2Msgs[p.PacketID]; ok {
			delete(c.pendingQoS2Msgs, p.PacketID)
			if !c.deliverMessage(msg) {
				c.enqueueMessage(msg)
			}
		}
	}

	if c.send(&packets.PubcompPacket{PacketID: p.PacketID}) {
		delete(c.inboundUnacked, p.PacketID)
	}
	delete(c.receivedQoS2, p.PacketID)
	if store := c.commandPersistence(); store != nil {
		key := persistenceKey(receivedTag(c.opts.ProtocolVersion >= ProtocolV50), uint64(p.PacketID))
		if err := store.Remove(key); err != nil {
			c.opts.Logger.Warn("failed to remove persisted QoS2 id", "packet_id", p.PacketID, "error", err)
		}
	}
}

// handlePubcomp processes a PUBCOMP (QoS 2, step 3): the outbound
// handshake is complete.
func (c *Client) handlePubcomp(p *packets.PubcompPacket) {
	op, ok := c.pending[p.PacketID]
	if !ok {
		return
	}
	var err error
	if c.opts.ProtocolVersion >= ProtocolV50 && p.ReasonCode >= 0x80 {
		err = &MqttError{ReasonCode: ReasonCode(p.ReasonCode)}
	}
	op.token.complete(err)
	delete(c.pending, p.PacketID)
	c.msgIDs.release(p.PacketID)
	c.deletePersistedOutbound(p.PacketID)
	c.inFlightCount--
	c.processPublishQueue()
}

// handleSuback processes a SUBACK.
func (c *Client) handleSuback(p *packets.SubackPacket) {
	op, ok := c.pending[p.PacketID]
	if !ok {
		return
	}
	var err error
	for _, code := range p.ReturnCodes {
		if code >= 0x80 {
			if c.opts.ProtocolVersion >= ProtocolV50 {
				err = &MqttError{ReasonCode: ReasonCode(code), Parent: ErrSubscriptionFailed}
			} else {
				err = ErrSubscriptionFailed
			}
			break
		}
	}
	op.token.complete(err)
	delete(c.pending, p.PacketID)
	c.msgIDs.release(p.PacketID)
}

// handleUnsuback processes an UNSUBACK.
func (c *Client) handleUnsuback(p *packets.UnsubackPacket) {
	op, ok := c.pending[p.PacketID]
	if !ok {
		return
	}
	var err error
	if c.opts.ProtocolVersion >= ProtocolV50 {
		for _, code := range p.ReasonCodes {
			if code >= 0x80 {
				err = &MqttError{ReasonCode: ReasonCode(code)}
				break
			}
		}
	}
	op.token.complete(err)
	delete(c.pending, p.PacketID)
	c.msgIDs.release(p.PacketID)
}

// checkTimeouts retransmits in-flight packets older than retryThreshold,
// called by the Scheduler's send worker no more than once every 3
// seconds per the checkTimeouts cadence.
func (c *Client) checkTimeouts(threshold time.Duration) {
	now := time.Now()
	for _, op := range c.pending {
		if now.Sub(op.timestamp) <= threshold {
			continue
		}
		if pub, ok := op.packet.(*packets.PublishPacket); ok {
			pub.Dup = true
		}
		if c.send(op.packet) {
			op.timestamp = now
		}
	}
}

// deletePersistedOutbound removes a completed publish's durability
// record. The record may be under the outbound tag (QoS 1, or QoS 2
// that never reached PUBREL) or the sent tag (QoS 2 that did); both are
// cleared unconditionally rather than tracking which stage the packet
// was in, since removing a missing key is a no-op.
func (c *Client) deletePersistedOutbound(packetID uint16) {
	p := c.commandPersistence()
	if p == nil {
		return
	}
	v5 := c.opts.ProtocolVersion >= ProtocolV50
	if err := p.Remove(persistenceKey(outboundTag(v5), uint64(packetID))); err != nil {
		c.opts.Logger.Warn("failed to remove persisted publish", "packet_id", packetID, "error", err)
	}
	if err := p.Remove(persistenceKey(sentTag(v5), uint64(packetID))); err != nil {
		c.opts.Logger.Warn("failed to remove persisted pubrel", "packet_id", packetID, "error", err)
	}
}

// handleDisconnectPacket processes a DISCONNECT sent by the server
// (MQTT v5.0), recording the reason for handleDisconnect to surface via
// OnConnectionLost.
func (c *Client) handleDisconnectPacket(p *packets.DisconnectPacket) {
	reason := "Unknown"
	if name, ok := disconnectReasonCodeNames[ReasonCode(p.ReasonCode)]; ok {
		reason = name
	}

	attrs := []any{"reason_code", p.ReasonCode, "reason", reason}
	if p.Properties != nil && p.Properties.Presence&packets.PresReasonString != 0 {
		attrs = append(attrs, "reason_string", p.Properties.ReasonString)
	}
	c.opts.Logger.Warn("received DISCONNECT from server", attrs...)

	err := &DisconnectError{ReasonCode: ReasonCode(p.ReasonCode)}
	if p.Properties != nil {
		if p.Properties.Presence&packets.PresReasonString != 0 {
			err.ReasonString = p.Properties.ReasonString
		}
		if p.Properties.Presence&packets.PresSessionExpiryInterval != 0 {
			err.SessionExpiryInterval = p.Properties.SessionExpiryInterval
		}
		if p.Properties.Presence&packets.PresServerReference != 0 {
			err.ServerReference = p.Properties.ServerReference
		}
		if len(p.Properties.UserProperties) > 0 {
			err.UserProperties = make(map[string]string, len(p.Properties.UserProperties))
			for _, up := range p.Properties.UserProperties {
				err.UserProperties[up.Key] = up.Value
			}
		}
	}

	c.connLock.Lock()
	c.lastDisconnectReason = err
	c.connLock.Unlock()
}

// disconnectReasonCodeNames maps MQTT v5.0 reason codes to
// human-readable strings for DISCONNECT packets.
var disconnectReasonCodeNames = map[ReasonCode]string{
	ReasonCodeNormalDisconnect:      "Normal disconnect",
	ReasonCodeDisconnectWithWill:    "Disconnect with Will Message",
	ReasonCodeUnspecifiedError:      "Unspecified error",
	ReasonCodeMalformedPacket:       "Malformed Packet",
	ReasonCodeProtocolError:         "Protocol Error",
	ReasonCodeImplementationError:   "Implementation specific error",
	ReasonCodeNotAuthorized:         "Not authorized",
	ReasonCodeServerBusy:            "Server busy",
	ReasonCodeServerShuttingDown:    "Server shutting down",
	ReasonCodeKeepAliveTimeout:      "Keep Alive timeout",
	ReasonCodeSessionTakenOver:      "Session taken over",
	ReasonCodeTopicFilterInvalid:    "Topic Filter invalid",
	ReasonCodeTopicNameInvalid:      "Topic Name invalid",
	ReasonCodeReceiveMaximumExceed:  "Receive Maximum exceeded",
	ReasonCodeTopicAliasInvalid:     "Topic Alias invalid",
	ReasonCodePacketTooLarge:        "Packet too large",
	ReasonCodeMessageRateTooHigh:    "Message rate too high",
	ReasonCodeQuotaExceeded:         "Quota exceeded",
	ReasonCodeAdministrativeAction:  "Administrative action",
	ReasonCodePayloadFormatInvalid:  "Payload format invalid",
	ReasonCodeRetainNotSupported:    "Retain not supported",
	ReasonCodeQoSNotSupported:       "QoS not supported",
	ReasonCodeUseAnotherServer:      "Use another server",
	ReasonCodeServerMoved:           "Server moved",
	ReasonCodeSharedSubNotSupported: "Shared Subscriptions not supported",
	ReasonCodeConnectionRateExceed:  "Connection rate exceeded",
	ReasonCodeMaximumConnectTime:    "Maximum connect time",
	ReasonCodeSubscriptionIDNotSupp: "Subscription Identifiers not supported",
	ReasonCodeWildcardSubNotSupp:    "Wildcard Subscriptions not supported",
}
