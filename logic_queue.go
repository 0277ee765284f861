package mq

// processPublishQueue drains queued QoS>0 publishes that were deferred
// by ReceiveMaximum/MaxInflight backpressure, up to current capacity.
// Called with c.sessionLock held by the ack handlers in
// protocolengine.go, after an ack frees in-flight capacity.
func (c *Client) processPublishQueue() {
	for len(c.publishQueue) > 0 && !c.atInflightLimit() {
		req := c.publishQueue[0]
		if !c.sendPublishLocked(req) {
			return
		}
		c.publishQueue = c.publishQueue[1:]
	}
}
