package mq

import "sync"

// Runtime is the process-wide home for the two shared worker goroutines
// that serve every *Client handle. The original architecture pins this
// down to "exactly two shared worker threads (send, receive) serve all
// client handles in the process"; Go has no non-blocking poll()
// primitive to drive that loop directly, so the work is split instead:
// decision logic (command selection, protocol handling, retries) lives
// on the Runtime's two worker goroutines in scheduler.go, while the
// actually-blocking socket I/O is delegated to small per-connection pump
// goroutines (transport_tcp.go, transport_ws.go) that the workers never
// touch directly - they only read decoded packets off a channel and
// write encoded frames into a 1-buffered slot.
//
// One Runtime serves the whole process. DialContext registers the new
// Client against it, starting the two workers on the first registration
// and leaving them running (idling against an empty registry) once the
// last client disconnects, rather than paying start/stop cost per churn.
type Runtime struct {
	mu      sync.Mutex
	clients map[string]*Client
	queue   *commandQueue
	pubs    *publicationsStore

	// registryChanged is closed and replaced every time clients is
	// mutated, so receiveWorker's reflect.Select fan-in knows to rebuild
	// its case list instead of polling.
	registryChanged chan struct{}

	// wake nudges sendWorker when a command is enqueued, so it doesn't
	// have to busy-poll the queue between timer ticks.
	wake chan struct{}

	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

var (
	runtimeOnce sync.Once
	runtimeInst *Runtime
)

// sharedRuntime returns the process-wide Runtime, constructing it on
// first use.
func sharedRuntime() *Runtime {
	runtimeOnce.Do(func() {
		runtimeInst = &Runtime{
			clients:         make(map[string]*Client),
			queue:           newCommandQueue(),
			pubs:            newPublicationsStore(),
			registryChanged: make(chan struct{}),
			wake:            make(chan struct{}, 1),
		}
	})
	return runtimeInst
}

// register adds c to the shared registry, starting the send/receive
// workers if this is the first client the Runtime has ever seen.
func (r *Runtime) register(c *Client) {
	r.mu.Lock()
	r.clients[c.opts.ClientID] = c
	r.queue.registerClient(c.opts.ClientID, c.opts.Persistence)
	if !r.running {
		r.running = true
		r.stop = make(chan struct{})
		r.wg.Add(2)
		go r.sendWorker()
		go r.receiveWorker()
	}
	r.mu.Unlock()
	r.bumpRegistry()
}

// unregister drops c from the shared registry. The workers are left
// running - they simply have nothing to do until the next client
// registers.
func (r *Runtime) unregister(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.opts.ClientID)
	r.queue.unregisterClient(c.opts.ClientID)
	r.mu.Unlock()
	r.bumpRegistry()
}

func (r *Runtime) bumpRegistry() {
	r.mu.Lock()
	close(r.registryChanged)
	r.registryChanged = make(chan struct{})
	r.mu.Unlock()
}

// nudge wakes sendWorker from its idle select without forcing it to
// poll the queue on a tight timer.
func (r *Runtime) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// snapshot returns a stable copy of the current client registry plus the
// channel that closes on the next registry mutation.
func (r *Runtime) snapshot() (map[string]*Client, chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]*Client, len(r.clients))
	for k, v := range r.clients {
		cp[k] = v
	}
	return cp, r.registryChanged
}

// enqueue hands cmd to the shared Command Queue and wakes sendWorker.
// Before the command becomes visible to sendWorker, a persistable
// command (publish/subscribe/unsubscribe) is durably recorded under the
// command tag so a crash in the window between a user call and dispatch
// still finds it: either the command is in the queue and its
// persistence key exists, or both are absent.
func (r *Runtime) enqueue(cmd *command) error {
	if commandPersistable(cmd) {
		if p := r.queue.persistenceFor(cmd.clientID); p != nil {
			r.mu.Lock()
			c, ok := r.clients[cmd.clientID]
			r.mu.Unlock()
			if ok {
				cmd.seqno = r.queue.nextSeqnoFor(cmd.clientID)
				c.persistQueuedCommand(cmd)
			}
		}
	}

	if err := r.queue.enqueue(cmd); err != nil {
		r.mu.Lock()
		c, ok := r.clients[cmd.clientID]
		r.mu.Unlock()
		if ok {
			c.removePersistedCommand(cmd)
		}
		return err
	}
	r.nudge()
	return nil
}
