package mq

import (
	"fmt"
	"io"
	"time"
)

// internalPublish processes a publish request: server-limit validation,
// QoS 0 fast path, and QoS>0 packet-id assignment, persistence, and
// ReceiveMaximum-gated in-flight bookkeeping. Called by the Scheduler's
// send worker (the Command Queue having already selected this client).
func (c *Client) internalPublish(req *publishRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	if c.serverCaps.MaximumPacketSize > 0 {
		n, _ := pkt.WriteTo(io.Discard)
		if uint32(n) > c.serverCaps.MaximumPacketSize {
			req.token.complete(fmt.Errorf("packet size %d bytes exceeds server maximum %d bytes", n, c.serverCaps.MaximumPacketSize))
			c.sessionLock.Unlock()
			return
		}
	}
	if pkt.Retain && !c.serverCaps.RetainAvailable {
		req.token.complete(fmt.Errorf("server does not support retained messages"))
		c.sessionLock.Unlock()
		return
	}
	if pkt.QoS > c.serverCaps.MaximumQoS {
		req.token.complete(fmt.Errorf("qos %d exceeds server maximum %d", pkt.QoS, c.serverCaps.MaximumQoS))
		c.sessionLock.Unlock()
		return
	}

	if pkt.QoS == 0 {
		c.sessionLock.Unlock()
		if c.send(pkt) {
			req.token.complete(nil)
		} else {
			req.token.complete(ErrClientDisconnected)
		}
		return
	}

	if c.atInflightLimit() {
		c.publishQueue = append(c.publishQueue, req)
		c.sessionLock.Unlock()
		return
	}

	c.sendPublishLocked(req)
	c.sessionLock.Unlock()
}

// atInflightLimit reports whether this client is at capacity for new
// QoS>0 sends, combining the server's negotiated ReceiveMaximum with the
// client-configured MaxInflight cap (whichever is tighter). Callers must
// hold c.sessionLock.
func (c *Client) atInflightLimit() bool {
	if c.serverCaps.ReceiveMaximum > 0 && c.inFlightCount >= int(c.serverCaps.ReceiveMaximum) {
		return true
	}
	if c.opts.MaxInflight > 0 && c.inFlightCount >= c.opts.MaxInflight {
		return true
	}
	return false
}

// sendPublishLocked assigns a packet id and sends req.packet. Assumes
// c.sessionLock is held. Returns true if the packet was handed to the
// transport.
func (c *Client) sendPublishLocked(req *publishRequest) bool {
	pkt := req.packet

	id, err := c.msgIDs.allocate()
	if err != nil {
		req.token.complete(err)
		return false
	}
	pkt.PacketID = id

	c.pending[pkt.PacketID] = &pendingOp{
		packet:    pkt,
		token:     req.token,
		qos:       pkt.QoS,
		timestamp: time.Now(),
	}

	// The durability record must be written before the packet is
	// considered in flight: a crash between these two steps must find
	// the publish still recorded, even though the broker never saw it.
	c.persistPendingPublish(pkt)

	if !c.send(pkt) {
		delete(c.pending, pkt.PacketID)
		c.msgIDs.release(pkt.PacketID)
		c.deletePersistedOutbound(pkt.PacketID)
		return false
	}

	c.inFlightCount++
	return true
}

// internalSubscribe processes a subscribe request: registers handlers
// before the SUBACK arrives (the server may publish matching retained
// messages immediately), then sends the SUBSCRIBE packet.
func (c *Client) internalSubscribe(req *subscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	id, err := c.msgIDs.allocate()
	if err != nil {
		c.sessionLock.Unlock()
		req.token.complete(err)
		return
	}
	pkt.PacketID = id

	c.pending[pkt.PacketID] = &pendingOp{packet: pkt, token: req.token, timestamp: time.Now()}

	for i, topic := range pkt.Topics {
		var subOpts SubscribeOptions
		subOpts.Persistence = req.persistence

		if pkt.Version >= 5 {
			if i < len(pkt.NoLocal) {
				subOpts.NoLocal = pkt.NoLocal[i]
			}
			if i < len(pkt.RetainAsPublished) {
				subOpts.RetainAsPublished = pkt.RetainAsPublished[i]
			}
			if i < len(pkt.RetainHandling) {
				subOpts.RetainHandling = pkt.RetainHandling[i]
			}
		}

		qos := uint8(0)
		if i < len(pkt.QoS) {
			qos = pkt.QoS[i]
		}

		c.subscriptions[topic] = subscriptionEntry{
			handler: c.wrapHandler(req.handler),
			options: subOpts,
			qos:     qos,
		}
	}

	c.sessionLock.Unlock()
	if !c.send(pkt) {
		req.token.complete(ErrClientDisconnected)
	}
}

// internalUnsubscribe processes an unsubscribe request.
func (c *Client) internalUnsubscribe(req *unsubscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	id, err := c.msgIDs.allocate()
	if err != nil {
		c.sessionLock.Unlock()
		req.token.complete(err)
		return
	}
	pkt.PacketID = id

	c.pending[pkt.PacketID] = &pendingOp{packet: pkt, token: req.token, timestamp: time.Now()}

	for _, topic := range req.topics {
		delete(c.subscriptions, topic)
	}

	c.sessionLock.Unlock()
	if !c.send(pkt) {
		req.token.complete(ErrClientDisconnected)
	}
}
