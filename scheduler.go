package mq

import (
	"reflect"
	"time"
)

// retrySweepInterval bounds how often sendWorker re-checks every
// registered client's in-flight table for unacknowledged packets old
// enough to retransmit. The original architecture ties this to each
// client's own keepalive; since one goroutine now serves every client,
// a fixed floor is used and each client's own retryThreshold still
// gates whether any given packet is actually due.
const retrySweepInterval = 3 * time.Second

// sendWorker is one of the two shared worker goroutines. It is the only
// goroutine that ever selects a command out of the Command Queue or
// calls into a client's send-side logic (internalPublish,
// internalSubscribe, internalUnsubscribe, the retry sweep): every
// client handle in the process is served by this single loop.
func (r *Runtime) sendWorker() {
	defer r.wg.Done()

	ticker := time.NewTicker(retrySweepInterval)
	defer ticker.Stop()

	for {
		clients, _ := r.snapshot()

		cmd := r.queue.next(func(clientID string) bool {
			c, ok := clients[clientID]
			if !ok {
				return false
			}
			return c.transportReady()
		})

		if cmd != nil {
			if c, ok := clients[cmd.clientID]; ok {
				r.dispatch(c, cmd)
			} else {
				cmd.complete(ErrClientDisconnected)
			}
			continue
		}

		select {
		case <-r.wake:
		case <-ticker.C:
			for _, c := range clients {
				c.sessionLock.Lock()
				c.checkTimeouts(c.retryThreshold())
				c.sessionLock.Unlock()
				c.maybeSendPing()
				c.redeliverQueuedMessages()
			}
		case <-r.stop:
			return
		}
	}
}

// dispatch hands a selected command to the owning client's request
// logic. This is the one place a *command turns back into the
// publishRequest/subscribeRequest/unsubscribeRequest shapes those
// methods were written against.
func (r *Runtime) dispatch(c *Client, cmd *command) {
	c.removePersistedCommand(cmd)

	switch cmd.kind {
	case cmdPublish:
		c.internalPublish(&publishRequest{packet: cmd.publish, token: cmd.token})
	case cmdSubscribe:
		c.internalSubscribe(&subscribeRequest{
			packet:      cmd.subscribe,
			handler:     cmd.handler,
			token:       cmd.token,
			persistence: cmd.persistenceOpt.Persistence,
		})
	case cmdUnsubscribe:
		c.internalUnsubscribe(&unsubscribeRequest{packet: cmd.unsubscribe, topics: cmd.topics, token: cmd.token})
	case cmdDisconnect:
		c.internalDisconnect(cmd)
	default:
		cmd.complete(nil)
	}
}

// receiveWorker is the second shared worker. It fans in over every
// registered client's transport inbox with a dynamic reflect.Select -
// the one spot Go's static select can't express "select across however
// many channels are currently registered" - and dispatches each decoded
// packet to handleIncoming on this same goroutine, so every user
// callback really is "delivered on one of the two shared worker
// threads" regardless of which client it came from.
func (r *Runtime) receiveWorker() {
	defer r.wg.Done()

	for {
		clients, changed := r.snapshot()

		ids := make([]string, 0, len(clients))
		cases := make([]reflect.SelectCase, 0, len(clients)+2)

		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.stop)})
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(changed)})
		for id, c := range clients {
			if !c.transportOpen() {
				continue
			}
			ids = append(ids, id)
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c.inbox())})
		}

		chosen, recv, recvOK := reflect.Select(cases)
		switch chosen {
		case 0: // r.stop
			return
		case 1: // registry changed: rebuild the case list
			continue
		default:
			if !recvOK {
				// A client's transport closed its inbox; let the next
				// snapshot drop its case.
				continue
			}
			clientID := ids[chosen-2]
			c, ok := clients[clientID]
			if !ok {
				continue
			}
			frame := recv.Interface().(inboundFrame)
			if frame.err != nil {
				c.onTransportError(frame.err)
				continue
			}
			c.markReceived(frame.packet)
			c.sessionLock.Lock()
			c.handleIncoming(frame.packet)
			c.sessionLock.Unlock()
		}
	}
}
