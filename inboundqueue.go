package mq

import "encoding/json"

// queuedMessage is one entry in a client's inbound Message Queue: a
// received PUBLISH whose user callback has not yet run, or whose
// callback ran and reported it did not handle the message.
type queuedMessage struct {
	seqno uint64
	msg   Message
}

// persistedQueuedMessage is the JSON shape stored under the
// queued-message tag.
type persistedQueuedMessage struct {
	Topic      string
	Payload    []byte
	QoS        uint8
	Retained   bool
	Duplicate  bool
	Properties *Properties
}

// deliverMessage matches msg against registered subscription handlers
// (falling back to DefaultPublishHandler if none match), invokes them,
// and reports whether any of them claimed the message. Callers must
// hold c.sessionLock.
func (c *Client) deliverMessage(msg Message) bool {
	var handlers []MessageHandler
	for filter, entry := range c.subscriptions {
		if MatchTopic(filter, msg.Topic) {
			if entry.handler != nil {
				handlers = append(handlers, entry.handler)
			}
		}
	}
	if len(handlers) == 0 && c.opts.DefaultPublishHandler != nil {
		handlers = append(handlers, c.wrapHandler(c.opts.DefaultPublishHandler))
	}

	// Intern the payload once in the process-wide Publications store when
	// it fans out to more than one handler, so N matching subscriptions
	// on one client handle share the same underlying buffer instead of
	// each handler call implicitly aliasing msg.Payload with no
	// accounting of how many holders remain.
	var pub *publication
	if len(handlers) > 1 && c.runtime != nil {
		pub = c.runtime.pubs.intern(msg.Topic, msg.Payload)
		for i := 1; i < len(handlers); i++ {
			c.runtime.pubs.retain(pub)
		}
	}

	// Callbacks are delivered on the caller's goroutine - one of the two
	// shared workers - rather than fanned out into per-message
	// goroutines, matching the "callbacks always on a worker thread"
	// invariant. Handlers that need to do slow work should hand off
	// themselves.
	handled := false
	for _, handler := range handlers {
		if handler(c, msg) {
			handled = true
		}
		if pub != nil {
			c.runtime.pubs.release(pub)
		}
	}
	return handled
}

// enqueueMessage appends msg to the inbound Message Queue and persists
// it under the queued-message tag so it survives a restart before being
// redelivered. Callers must hold c.sessionLock.
func (c *Client) enqueueMessage(msg Message) {
	c.msgQueueNextSeqno++
	seqno := c.msgQueueNextSeqno
	c.msgQueue = append(c.msgQueue, queuedMessage{seqno: seqno, msg: msg})

	p := c.commandPersistence()
	if p == nil {
		return
	}
	rec := persistedQueuedMessage{
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        uint8(msg.QoS),
		Retained:   msg.Retained,
		Duplicate:  msg.Duplicate,
		Properties: msg.Properties,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		c.opts.Logger.Warn("failed to marshal queued message", "error", err)
		return
	}
	key := persistenceKey(queuedMsgTag(c.v5()), seqno)
	if err := p.Put(key, data); err != nil {
		c.opts.Logger.Warn("failed to persist queued message", "seqno", seqno, "error", err)
	}
}

// redeliverQueuedMessages retries handler dispatch for every message
// sitting in the inbound Message Queue, removing each one a handler
// claims. Called by the Scheduler's send worker on its retry sweep, so
// a subscription registered after a message was queued (e.g. a late
// WithSubscription match on reconnect) still gets a chance to claim it.
func (c *Client) redeliverQueuedMessages() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()

	if len(c.msgQueue) == 0 {
		return
	}

	p := c.commandPersistence()
	v5 := c.v5()
	remaining := c.msgQueue[:0]
	for _, qm := range c.msgQueue {
		if !c.deliverMessage(qm.msg) {
			remaining = append(remaining, qm)
			continue
		}
		if p != nil {
			key := persistenceKey(queuedMsgTag(v5), qm.seqno)
			if err := p.Remove(key); err != nil {
				c.opts.Logger.Warn("failed to remove persisted queued message", "seqno", qm.seqno, "error", err)
			}
		}
	}
	c.msgQueue = remaining
}

// loadQueuedMessages restores the inbound Message Queue from persisted
// queued-message records, called alongside loadSessionState before the
// CONNECT packet is sent.
func (c *Client) loadQueuedMessages() {
	p := c.commandPersistence()
	if p == nil {
		return
	}

	keys, err := p.Keys()
	if err != nil {
		c.opts.Logger.Warn("failed to list persistence keys for queued messages", "error", err)
		return
	}

	tag := queuedMsgTag(c.v5()) + "-"
	var maxSeqno uint64
	for _, key := range keys {
		if len(key) <= len(tag) || key[:len(tag)] != tag {
			continue
		}
		data, ok, err := p.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec persistedQueuedMessage
		if err := json.Unmarshal(data, &rec); err != nil {
			c.opts.Logger.Warn("skipping corrupt persisted queued message", "key", key, "error", err)
			continue
		}
		seqno, ok := parseSeqnoFromKey(key)
		if !ok {
			continue
		}
		msg := Message{
			Topic:      rec.Topic,
			Payload:    rec.Payload,
			QoS:        QoS(rec.QoS),
			Retained:   rec.Retained,
			Duplicate:  rec.Duplicate,
			Properties: rec.Properties,
		}
		c.msgQueue = append(c.msgQueue, queuedMessage{seqno: seqno, msg: msg})
		if seqno > maxSeqno {
			maxSeqno = seqno
		}
	}
	if maxSeqno > c.msgQueueNextSeqno {
		c.msgQueueNextSeqno = maxSeqno
	}
	if len(c.msgQueue) > 0 {
		c.opts.Logger.Info("loaded queued inbound messages", "count", len(c.msgQueue))
	}
}
