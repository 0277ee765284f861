package mq

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coremqtt/coremqtt/internal/packets"
)

// serverCapabilities holds MQTT v5.0 server capabilities received in CONNACK.
// These are used to validate client operations against server limits.
type serverCapabilities struct {
	// MaximumPacketSize is the maximum packet size the server will accept.
	// 0 means no limit specified by server.
	MaximumPacketSize uint32

	// ReceiveMaximum is the maximum number of QoS 1 and QoS 2 publications
	// the server is willing to process concurrently.
	// Default is 65535 if not specified.
	ReceiveMaximum uint16

	// TopicAliasMaximum is the maximum topic alias value the server accepts.
	// 0 means topic aliases are not supported.
	TopicAliasMaximum uint16

	// MaximumQoS is the maximum QoS level the server supports.
	// Can be 0, 1, or 2.
	MaximumQoS uint8

	// RetainAvailable indicates if the server supports retained messages.
	RetainAvailable bool

	// WildcardAvailable indicates if the server supports wildcard subscriptions.
	WildcardAvailable bool

	// SubscriptionIDAvailable indicates if the server supports subscription identifiers.
	SubscriptionIDAvailable bool

	// SharedSubscriptionAvailable indicates if the server supports shared subscriptions.
	SharedSubscriptionAvailable bool
}

type subscriptionEntry struct {
	handler MessageHandler
	options SubscribeOptions
	qos     uint8
}

// Client represents an MQTT client handle.
//
// A Client owns no goroutines of its own for steady-state traffic: once
// connected, it is registered with the process-wide Runtime and served
// by the Runtime's two shared worker goroutines (scheduler.go). The one
// goroutine a Client does start itself is a small reconnect supervisor
// (supervise, below), whose job is limited to dialing and the MQTT
// handshake - work that is inherently per-connection and blocking, and
// which the shared workers must never be stuck doing on one client's
// behalf.
type Client struct {
	// Configuration
	opts *clientOptions

	// runtime is the shared Runtime this client is registered with.
	runtime *Runtime

	// sessionManager owns connection-lifecycle state: current server
	// URI, protocol version fallback, and reconnect backoff.
	sessionManager *sessionManager

	// transport is the active connection's Transport Port, or nil while
	// disconnected. Guarded by connLock since it is replaced wholesale
	// on every (re)connect.
	transport transport
	connLock  sync.RWMutex

	// Session State Lock guards:
	// - pending, msgIDs
	// - subscriptions
	// - receivedQoS2, inboundUnacked
	// - inFlightCount, publishQueue
	// - topic alias / received alias maps
	sessionLock sync.Mutex

	// Internal queues
	publishQueue []*publishRequest

	msgIDs        *msgIDAllocator
	pending       map[uint16]*pendingOp // Outgoing in-flight packets (PUBLISH QoS 1/2, SUBSCRIBE, UNSUBSCRIBE)
	subscriptions map[string]subscriptionEntry
	receivedQoS2  map[uint16]struct{} // Track received QoS 2 packet IDs to prevent duplicates
	inboundUnacked map[uint16]struct{} // Inbound QoS>0 packet ids not yet fully acknowledged
	inFlightCount int                 // Number of QoS 1 & QoS 2 packets currently in flight (outgoing)

	// pendingQoS2Msgs holds the decoded Message for a v3.1.1 QoS 2
	// PUBLISH already received but not yet delivered to a handler: v3.1.1
	// defers delivery to the matching PUBREL, unlike v5.0 which delivers
	// on first receipt.
	pendingQoS2Msgs map[uint16]Message

	// msgQueue is the inbound Message Queue: PUBLISH deliveries no
	// handler has yet claimed, retried by redeliverQueuedMessages.
	msgQueue          []queuedMessage
	msgQueueNextSeqno uint64

	receiveMaxExceededLogged bool

	// Lifecycle
	connected atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once

	// Keepalive bookkeeping, updated by send/receive without needing
	// sessionLock since it's read by the shared send worker on every
	// tick.
	lastSentNano atomic.Int64
	lastRecvNano atomic.Int64
	pingPending  atomic.Bool

	// Server capabilities (MQTT v5.0)
	serverCaps serverCapabilities

	// assignedClientID is the client ID assigned by the server when the client
	// connects with an empty client ID. Only populated for MQTT v5.0 connections.
	assignedClientID string

	// serverKeepAlive is the keepalive interval (in seconds) that the server
	// wants the client to use. If set, this overrides the client's requested keepalive.
	serverKeepAlive uint16

	// requestedKeepAlive preserves the original user-requested keepalive value.
	requestedKeepAlive time.Duration

	// responseInformation is a string provided by the server that the client can
	// use as the basis for creating response topics.
	responseInformation string

	// serverReference is a server URI that the client should use for reconnection.
	serverReference string

	// Topic alias management (MQTT v5.0, client -> server only)
	topicAliases     map[string]uint16 // topic -> alias ID
	nextAliasID      uint16            // next ID to assign (1-based)
	maxAliases       uint16            // server's limit from CONNACK
	topicAliasesLock sync.Mutex

	// Receive-side topic aliases (MQTT v5.0, server -> client)
	receivedAliases     map[uint16]string // alias ID -> topic
	receivedAliasesLock sync.RWMutex

	// Session expiry interval (MQTT v5.0)
	requestedSessionExpiry uint32
	sessionExpiryInterval  uint32

	// Stats (atomic)
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	reconnectCount  atomic.Uint64

	// disconnected signals the supervisor to attempt a reconnect.
	disconnected chan struct{}

	// Last disconnect reason (if any) received from server via DISCONNECT packet
	lastDisconnectReason error
}

// publishRequest represents a request to publish a message.
type publishRequest struct {
	packet *packets.PublishPacket
	token  *token
}

// subscribeRequest represents a request to subscribe to a topic.
type subscribeRequest struct {
	packet      *packets.SubscribePacket
	handler     MessageHandler
	token       *token
	persistence bool
}

// unsubscribeRequest represents a request to unsubscribe from topics.
type unsubscribeRequest struct {
	packet *packets.UnsubscribePacket
	topics []string
	token  *token
}

// pendingOp tracks an in-flight operation (publish, subscribe, etc.)
type pendingOp struct {
	packet    packets.Packet
	token     *token
	qos       uint8
	timestamp time.Time
}

// MessageHandler is called when a message is received on a subscribed
// topic. It returns true if it handled the message. A handler that
// returns false (or a message matching no registered handler at all)
// is retained in the client's inbound Message Queue and retried on the
// Scheduler's periodic sweep, so a handler that is temporarily unable
// to process a message - a downstream queue that's momentarily full,
// for instance - gets another chance rather than silently losing it.
type MessageHandler func(*Client, Message) bool

// wrapHandler applies the client's configured HandlerInterceptors around
// handler, outermost first. Called once at subscription-registration time
// rather than on every delivery.
func (c *Client) wrapHandler(handler MessageHandler) MessageHandler {
	return applyHandlerInterceptors(handler, c.opts.HandlerInterceptors)
}

// DialContext establishes a connection to an MQTT server with a context and returns a Client.
//
// The context is used to control the initial connection establishment, including
// the network dial, TLS handshake, and MQTT CONNECT handshake. If the context
// is cancelled or expires before the handshake completes, DialContext returns an error.
//
// Once the initial connection is established, the resulting Client is served by
// the process-wide Runtime's two shared worker goroutines, not by any
// per-client reader/writer goroutine.
func DialContext(ctx context.Context, server string, opts ...Option) (*Client, error) {
	options := defaultOptions(server)
	for _, opt := range opts {
		opt(options)
	}

	if options.Logger != nil {
		options.Logger = options.Logger.With("lib", "mq")
	}

	uris := options.ServerURIs
	if len(uris) == 0 {
		uris = []string{options.Server}
	}

	c := &Client{
		opts:            options,
		runtime:         sharedRuntime(),
		sessionManager:  newSessionManager(uris, options.ProtocolVersion, options.CleanSession, 1*time.Second, 2*time.Minute),
		msgIDs:          newMsgIDAllocator(),
		stop:            make(chan struct{}),
		pending:         make(map[uint16]*pendingOp),
		subscriptions:   make(map[string]subscriptionEntry),
		receivedQoS2:    make(map[uint16]struct{}),
		inboundUnacked:  make(map[uint16]struct{}),
		pendingQoS2Msgs: make(map[uint16]Message),
		disconnected:    make(chan struct{}, 1),
	}

	for topic, handler := range options.InitialSubscriptions {
		c.subscriptions[topic] = subscriptionEntry{
			handler: c.wrapHandler(handler),
			qos:     0,
		}
	}

	if !c.opts.CleanSession {
		if err := c.loadSessionState(); err != nil {
			c.opts.Logger.Warn("failed to load session state", "error", err)
		}
		c.loadQueuedMessages()
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.runtime.register(c)

	if !c.opts.CleanSession {
		c.restoreQueuedCommands()
	}

	if options.AutoReconnect {
		go c.supervise()
	}

	return c, nil
}

// Dial establishes a connection to an MQTT server and returns a Client.
//
// It is a wrapper around DialContext that uses the configured connection
// timeout (see WithConnectTimeout) to control the initial handshake.
//
// Supported schemes: tcp:// / mqtt:// (plain, default port 1883),
// tls:// / ssl:// / mqtts:// (TLS, default port 8883), ws:// / wss://
// (WebSocket, via transport_ws.go).
func Dial(server string, opts ...Option) (*Client, error) {
	options := defaultOptions(server)
	for _, opt := range opts {
		opt(options)
	}

	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
	defer cancel()

	return DialContext(ctx, server, opts...)
}

// connect dials the current server URI, performs the MQTT handshake, and
// on success wraps the connection in a transport ready for the shared
// workers. It does not touch the Runtime's registry - callers decide
// whether this is the first registration or a reconnect.
func (c *Client) connect(ctx context.Context) error {
	serverURI := c.sessionManager.currentServerURI()
	if serverURI == "" {
		serverURI = c.opts.Server
	}

	c.opts.Logger.Debug("connecting to MQTT server", "server", serverURI)

	if c.opts.ClientID == "" && !c.opts.CleanSession {
		if c.opts.ProtocolVersion >= ProtocolV50 && c.opts.SessionExpirySet && c.opts.SessionExpiryInterval > 0 {
			// Valid: Server will assign a ClientID
		} else {
			return fmt.Errorf("MQTT requires a non-empty ClientID when CleanSession is false")
		}
	}

	if c.requestedKeepAlive == 0 {
		c.requestedKeepAlive = c.opts.KeepAlive
	}
	if c.requestedSessionExpiry == 0 && c.opts.SessionExpirySet {
		c.requestedSessionExpiry = c.opts.SessionExpiryInterval
	}

	c.opts.ProtocolVersion = c.sessionManager.currentVersion()

	c.topicAliasesLock.Lock()
	c.topicAliases = make(map[string]uint16)
	c.nextAliasID = 1
	c.maxAliases = 0
	c.topicAliasesLock.Unlock()

	c.receivedAliasesLock.Lock()
	c.receivedAliases = make(map[uint16]string)
	c.receivedAliasesLock.Unlock()

	conn, err := c.dialServer(ctx, serverURI)
	if err != nil {
		return err
	}

	cr := &countingReader{Reader: conn, c: c}
	cw := &countingWriter{Writer: conn, c: c}

	connectPkt := c.buildConnectPacket()
	if _, err := connectPkt.WriteTo(cw); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send CONNECT: %w", err)
	}
	c.packetsSent.Add(1)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.ConnectTimeout)
	}
	_ = conn.SetReadDeadline(deadline)

	connack, err := c.performHandshake(conn, cr, cw)
	if err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if connack.ReturnCode != packets.ConnAccepted {
		conn.Close()

		if c.opts.ProtocolVersion >= ProtocolV50 {
			err := &MqttError{
				ReasonCode: ReasonCode(connack.ReturnCode),
				Parent:     ErrConnectionRefused,
			}
			if connack.Properties != nil && connack.Properties.Presence&packets.PresReasonString != 0 {
				err.Message = connack.Properties.ReasonString
			}
			return err
		}

		switch connack.ReturnCode {
		case packets.ConnRefusedUnacceptableProtocol:
			if c.sessionManager.advanceVersionFallback() {
				c.opts.Logger.Debug("server rejected protocol version, falling back")
				return c.connect(ctx)
			}
			return ErrUnacceptableProtocolVersion
		case packets.ConnRefusedIdentifierRejected:
			return ErrIdentifierRejected
		case packets.ConnRefusedServerUnavailable:
			return ErrServerUnavailable
		case packets.ConnRefusedBadUsernameOrPassword:
			return ErrBadUsernameOrPassword
		case packets.ConnRefusedNotAuthorized:
			return ErrNotAuthorized
		default:
			return fmt.Errorf("%w: code %d", ErrConnectionRefused, connack.ReturnCode)
		}
	}

	c.opts.KeepAlive = c.requestedKeepAlive
	c.processConnackProperties(connack)

	c.connLock.Lock()
	c.transport = newConnTransport(conn, c.opts.ProtocolVersion, c.opts.MaxIncomingPacket)
	c.lastDisconnectReason = nil
	c.connLock.Unlock()
	c.lastRecvNano.Store(time.Now().UnixNano())
	c.lastSentNano.Store(time.Now().UnixNano())

	if !c.opts.CleanSession {
		if err := c.checkSessionPresent(connack.SessionPresent); err != nil {
			c.opts.Logger.Warn("failed to check session present", "error", err)
		}
	} else {
		c.internalResetState()
		c.resubscribeAll()
	}

	c.opts.Logger.Debug("connection established", "server", serverURI)
	c.connected.Store(true)
	c.sessionManager.setState(stateConnected)
	c.sessionManager.resetBackoff()

	if c.opts.Authenticator != nil {
		if err := c.opts.Authenticator.Complete(); err != nil {
			c.opts.Logger.Warn("authenticator complete failed", "error", err)
		}
	}

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect(c)
	}

	c.opts.Logger.Debug("client started", "client_id", c.opts.ClientID)
	return nil
}

// dialServer dials serverURI over TCP/TLS or WebSocket, or via a
// user-supplied ContextDialer, depending on the URI scheme.
func (c *Client) dialServer(ctx context.Context, serverURI string) (net.Conn, error) {
	if c.opts.Dialer != nil {
		network := "tcp"
		if u, err := url.Parse(serverURI); err == nil && u.Scheme != "" {
			network = u.Scheme
		}
		conn, err := c.opts.Dialer.DialContext(ctx, network, serverURI)
		if err != nil {
			return nil, fmt.Errorf("custom dialer failed: %w", err)
		}
		return conn, nil
	}

	u, err := url.Parse(serverURI)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return dialWebSocket(ctx, serverURI, c.opts.ConnectTimeout)
	default:
		return dialTCP(ctx, serverURI, c.opts.TLSConfig, nil, c.opts.ConnectTimeout)
	}
}

// buildConnectPacket creates a CONNECT packet with the client's configuration.
func (c *Client) buildConnectPacket() *packets.ConnectPacket {
	keepalive := c.requestedKeepAlive
	if keepalive == 0 {
		keepalive = c.opts.KeepAlive
	}

	pkt := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: c.opts.ProtocolVersion,
		CleanSession:  c.opts.CleanSession,
		KeepAlive:     uint16(keepalive.Seconds()),
		ClientID:      c.opts.ClientID,
	}

	if c.opts.ProtocolVersion >= ProtocolV50 {
		pkt.Properties = &packets.Properties{}

		if c.opts.RequestProblemInformation {
			pkt.Properties.RequestProblemInformation = 1
			pkt.Properties.Presence |= packets.PresRequestProblemInformation
		}
		if c.opts.RequestResponseInformation {
			pkt.Properties.RequestResponseInformation = 1
			pkt.Properties.Presence |= packets.PresRequestResponseInformation
		}
		if c.opts.TopicAliasMaximum > 0 {
			pkt.Properties.TopicAliasMaximum = c.opts.TopicAliasMaximum
			pkt.Properties.Presence |= packets.PresTopicAliasMaximum
		}
		if c.opts.SessionExpirySet {
			pkt.Properties.SessionExpiryInterval = c.opts.SessionExpiryInterval
			pkt.Properties.Presence |= packets.PresSessionExpiryInterval
		}
		if c.opts.ReceiveMaximum > 0 {
			pkt.Properties.ReceiveMaximum = c.opts.ReceiveMaximum
			pkt.Properties.Presence |= packets.PresReceiveMaximum
		}
		if c.opts.MaxIncomingPacket > 0 {
			pkt.Properties.MaximumPacketSize = uint32(c.opts.MaxIncomingPacket)
			pkt.Properties.Presence |= packets.PresMaximumPacketSize
		}
		if c.opts.Authenticator != nil {
			pkt.Properties.AuthenticationMethod = c.opts.Authenticator.Method()
			pkt.Properties.Presence |= packets.PresAuthenticationMethod

			initialData, err := c.opts.Authenticator.InitialData()
			if err != nil {
				c.opts.Logger.Error("failed to get initial auth data", "error", err)
			} else if len(initialData) > 0 {
				pkt.Properties.AuthenticationData = initialData
			}
		}
	}

	if c.opts.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.opts.Username
	}
	if c.opts.Password != "" {
		pkt.PasswordFlag = true
		pkt.Password = c.opts.Password
	}

	if c.opts.will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = c.opts.will.Topic
		pkt.WillMessage = c.opts.will.Payload
		pkt.WillQoS = c.opts.will.QoS
		pkt.WillRetain = c.opts.will.Retained

		if c.opts.will.Properties != nil {
			pkt.WillProperties = toInternalProperties(c.opts.will.Properties)
		}
	}

	return pkt
}

// performHandshake reads packets off the raw connection until a CONNACK
// arrives, answering any AUTH challenges along the way. This runs before
// the connection is handed to a transport/pump pair, on the caller's own
// goroutine (the initial Dial caller, or the reconnect supervisor) -
// never on one of the two shared workers.
func (c *Client) performHandshake(conn net.Conn, r io.Reader, w io.Writer) (*packets.ConnackPacket, error) {
	for {
		pkt, err := packets.ReadPacket(r, c.opts.ProtocolVersion, c.opts.MaxIncomingPacket)
		if err != nil {
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
		c.packetsReceived.Add(1)

		switch p := pkt.(type) {
		case *packets.ConnackPacket:
			return p, nil

		case *packets.AuthPacket:
			if c.opts.ProtocolVersion < ProtocolV50 {
				return nil, fmt.Errorf("received AUTH packet in v3.1.1")
			}
			if c.opts.Authenticator == nil {
				return nil, fmt.Errorf("received AUTH packet but no authenticator configured")
			}

			respData, err := c.opts.Authenticator.HandleChallenge(p.Properties.AuthenticationData, p.ReasonCode)
			if err != nil {
				return nil, fmt.Errorf("authentication failed: %w", err)
			}

			authResp := &packets.AuthPacket{
				Version:    ProtocolV50,
				ReasonCode: packets.AuthReasonContinue,
				Properties: &packets.Properties{
					AuthenticationMethod: c.opts.Authenticator.Method(),
					AuthenticationData:   respData,
				},
			}
			if _, err := authResp.WriteTo(w); err != nil {
				return nil, fmt.Errorf("failed to send AUTH response: %w", err)
			}
			c.packetsSent.Add(1)

		default:
			return nil, fmt.Errorf("expected CONNACK or AUTH, got packet type %d", pkt.Type())
		}
	}
}

// markReceived records that a packet arrived, for keepalive bookkeeping
// and stats. Called by the receive worker before handleIncoming, so it
// runs even for packet types handleIncoming ignores.
func (c *Client) markReceived(pkt packets.Packet) {
	c.packetsReceived.Add(1)
	c.lastRecvNano.Store(time.Now().UnixNano())
	var buf bytesCounter
	pkt.WriteTo(&buf)
	c.bytesReceived.Add(uint64(buf.n))
}

type bytesCounter struct{ n int }

func (b *bytesCounter) Write(p []byte) (int, error) {
	b.n += len(p)
	return len(p), nil
}

// transportReady reports whether this client's connection currently has
// a free write slot, without blocking. Used by commandQueue.next to skip
// a client that's mid-write.
func (c *Client) transportReady() bool {
	c.connLock.RLock()
	t := c.transport
	c.connLock.RUnlock()
	return t != nil && t.ready()
}

// transportOpen reports whether this client currently has a live
// transport at all (regardless of write-slot availability).
func (c *Client) transportOpen() bool {
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	return c.transport != nil
}

// inbox returns the active transport's inbound channel, for the receive
// worker's dynamic select. Returns nil while disconnected; a nil channel
// is never selected, so this is safe to include in a reflect.Select only
// when transportOpen() was already checked.
func (c *Client) inbox() <-chan inboundFrame {
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	if c.transport == nil {
		return nil
	}
	return c.transport.inbox()
}

// retryThreshold computes this client's current minimum in-flight-packet
// age before retransmission, from its keepalive interval.
func (c *Client) retryThreshold() time.Duration {
	return retryThreshold(retryLoopInterval(c.opts.KeepAlive))
}

// maybeSendPing is called by the send worker's retry-sweep tick. It
// issues a PINGREQ when either direction has been idle for 3/4 of the
// keepalive interval, and tears the connection down if nothing at
// all has been received for 1.5x the keepalive interval.
func (c *Client) maybeSendPing() {
	ka := c.opts.KeepAlive
	if ka <= 0 || !c.connected.Load() {
		return
	}

	now := time.Now()
	lastSent := time.Unix(0, c.lastSentNano.Load())
	lastRecv := time.Unix(0, c.lastRecvNano.Load())

	if now.Sub(lastRecv) >= ka+ka/2 {
		c.opts.Logger.Debug("keepalive timeout, no packets received", "since", now.Sub(lastRecv))
		c.handleDisconnect()
		return
	}

	if c.pingPending.Load() {
		return
	}

	threshold := ka - ka/4
	if now.Sub(lastSent) >= threshold || now.Sub(lastRecv) >= threshold {
		if c.send(&packets.PingreqPacket{}) {
			c.pingPending.Store(true)
		}
	}
}

// internalDisconnect handles a queued DISCONNECT command (a graceful
// user-initiated disconnect or an internally generated one following a
// protocol error), dispatched like any other command by the send
// worker.
func (c *Client) internalDisconnect(cmd *command) {
	c.send(cmd.disconnect)
	cmd.complete(nil)
	c.handleDisconnect()
}

// onTransportError is called by the receive worker when a connection's
// reader pump (or writer pump, relayed through the same inbox) reports
// an error - EOF, reset, or a codec failure.
func (c *Client) onTransportError(err error) {
	c.opts.Logger.Debug("transport error, disconnecting", "error", err)
	c.handleDisconnect()
}

// handleDisconnect handles connection loss, from either direction.
func (c *Client) handleDisconnect() {
	if !c.connected.Swap(false) {
		return
	}

	c.connLock.Lock()
	if c.transport != nil {
		c.transport.close()
		c.transport = nil
	}
	reason := fmt.Errorf("connection lost")
	if c.lastDisconnectReason != nil {
		reason = c.lastDisconnectReason
		c.lastDisconnectReason = nil
	}
	c.connLock.Unlock()

	c.sessionManager.setState(stateNotInProgress)
	c.runtime.bumpRegistry()

	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(c, reason)
	}

	select {
	case c.disconnected <- struct{}{}:
	default:
	}
}

// IsConnected returns true if the client is currently connected to the server.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect gracefully disconnects from the server.
//
// It sends a DISCONNECT packet to the server and tears down the
// connection. If AutoReconnect is enabled, it is disabled after calling
// Disconnect; to reconnect, create a new client with Dial.
func (c *Client) Disconnect(ctx context.Context, opts ...DisconnectOption) error {
	options := &DisconnectOptions{
		ReasonCode: ReasonCodeNormalDisconnect,
	}
	for _, opt := range opts {
		opt(options)
	}
	return c.disconnectWithReason(ctx, uint8(options.ReasonCode), options.Properties)
}

// disconnectWithReason is an internal helper that sends a DISCONNECT packet
// with a specific reason code (MQTT v5.0).
func (c *Client) disconnectWithReason(ctx context.Context, reasonCode uint8, props *Properties) error {
	c.opts.Logger.Debug("disconnecting from server", "reason_code", reasonCode)

	c.stopOnce.Do(func() { close(c.stop) })

	if !c.connected.Load() {
		c.runtime.unregister(c)
		return nil
	}

	disconnectPkt := &packets.DisconnectPacket{
		Version:    c.opts.ProtocolVersion,
		ReasonCode: reasonCode,
		Properties: toInternalProperties(props),
	}
	c.send(disconnectPkt)

	c.handleDisconnect()
	c.runtime.unregister(c)
	return nil
}

// supervise is the client's one dedicated goroutine: it waits for a
// disconnect signal and retries the connect sequence with the Session
// Manager's jittered backoff, rotating through the HA server list on
// repeated failure. This is deliberately kept off the two shared
// workers, the same way the original architecture's own connect/retry
// path is driven by its own thread rather than the two worker threads
// that serve steady-state traffic.
func (c *Client) supervise() {
	for {
		select {
		case <-c.disconnected:
			select {
			case <-c.stop:
				return
			default:
			}

			delay := c.sessionManager.nextBackoff()
			time.Sleep(delay)

			c.reconnectCount.Add(1)
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
			err := c.connect(ctx)
			cancel()

			if err != nil {
				c.opts.Logger.Debug("reconnect attempt failed", "error", err)
				c.sessionManager.advanceServerURI()
				select {
				case c.disconnected <- struct{}{}:
				default:
				}
				continue
			}

			c.runtime.bumpRegistry()

		case <-c.stop:
			return
		}
	}
}

// AssignedClientID returns the client ID assigned by the server.
func (c *Client) AssignedClientID() string {
	return c.assignedClientID
}

// ServerKeepAlive returns the keepalive interval (in seconds) that the server
// wants the client to use, or 0 if the server did not override it.
func (c *Client) ServerKeepAlive() uint16 {
	return c.serverKeepAlive
}

// ServerReference returns the server reference URI provided by the server
// (MQTT v5.0 CONNACK/DISCONNECT), or an empty string if none was provided.
func (c *Client) ServerReference() string {
	return c.serverReference
}

// SessionExpiryInterval returns the session expiry interval (in seconds)
// that the server is using for this connection.
func (c *Client) SessionExpiryInterval() uint32 {
	if c.opts.ProtocolVersion < ProtocolV50 && !c.opts.CleanSession {
		return 0xFFFFFFFF
	}
	return c.sessionExpiryInterval
}

// ResponseInformation returns the response information string provided by
// the server (MQTT v5.0 CONNACK), or an empty string if none was provided.
func (c *Client) ResponseInformation() string {
	return c.responseInformation
}

// extractServerCapabilities extracts server capabilities from CONNACK properties.
func extractServerCapabilities(props *packets.Properties) serverCapabilities {
	caps := serverCapabilities{
		ReceiveMaximum:              65535,
		MaximumQoS:                  2,
		RetainAvailable:             true,
		WildcardAvailable:           true,
		SubscriptionIDAvailable:     true,
		SharedSubscriptionAvailable: true,
	}

	if props == nil {
		return caps
	}

	if props.Presence&packets.PresMaximumPacketSize != 0 {
		caps.MaximumPacketSize = props.MaximumPacketSize
	}
	if props.Presence&packets.PresReceiveMaximum != 0 {
		caps.ReceiveMaximum = props.ReceiveMaximum
	}
	if props.Presence&packets.PresTopicAliasMaximum != 0 {
		caps.TopicAliasMaximum = props.TopicAliasMaximum
	}
	if props.Presence&packets.PresMaximumQoS != 0 {
		caps.MaximumQoS = props.MaximumQoS
	}
	if props.Presence&packets.PresRetainAvailable != 0 {
		caps.RetainAvailable = props.RetainAvailable
	}
	if props.Presence&packets.PresWildcardSubscriptionAvailable != 0 {
		caps.WildcardAvailable = props.WildcardSubscriptionAvailable
	}
	if props.Presence&packets.PresSubscriptionIdentifierAvailable != 0 {
		caps.SubscriptionIDAvailable = props.SubscriptionIdentifierAvailable
	}
	if props.Presence&packets.PresSharedSubscriptionAvailable != 0 {
		caps.SharedSubscriptionAvailable = props.SharedSubscriptionAvailable
	}

	return caps
}

// ServerCapabilities represents the capabilities and limits advertised by the MQTT server.
// These are only available when using MQTT v5.0.
type ServerCapabilities struct {
	MaximumPacketSize           uint32
	ReceiveMaximum              uint16
	TopicAliasMaximum           uint16
	MaximumQoS                  uint8
	RetainAvailable             bool
	WildcardAvailable           bool
	SubscriptionIDAvailable     bool
	SharedSubscriptionAvailable bool
}

// ServerCapabilities returns the server capabilities received in the CONNACK packet.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return ServerCapabilities{
		MaximumPacketSize:           c.serverCaps.MaximumPacketSize,
		ReceiveMaximum:              c.serverCaps.ReceiveMaximum,
		TopicAliasMaximum:           c.serverCaps.TopicAliasMaximum,
		MaximumQoS:                  c.serverCaps.MaximumQoS,
		RetainAvailable:             c.serverCaps.RetainAvailable,
		WildcardAvailable:           c.serverCaps.WildcardAvailable,
		SubscriptionIDAvailable:     c.serverCaps.SubscriptionIDAvailable,
		SharedSubscriptionAvailable: c.serverCaps.SharedSubscriptionAvailable,
	}
}

// ClientStats holds connection and throughput statistics.
type ClientStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ReconnectCount  uint64
	Connected       bool
}

// GetStats returns the current client statistics.
func (c *Client) GetStats() ClientStats {
	return ClientStats{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		ReconnectCount:  c.reconnectCount.Load(),
		Connected:       c.IsConnected(),
	}
}

func (c *Client) processConnackProperties(connack *packets.ConnackPacket) {
	if c.opts.ProtocolVersion >= ProtocolV50 && connack.Properties != nil {
		c.serverCaps = extractServerCapabilities(connack.Properties)
		c.opts.Logger.Debug("received server capabilities",
			"max_packet_size", c.serverCaps.MaximumPacketSize,
			"receive_maximum", c.serverCaps.ReceiveMaximum,
			"max_qos", c.serverCaps.MaximumQoS,
			"retain_available", c.serverCaps.RetainAvailable)

		if connack.Properties.Presence&packets.PresAssignedClientIdentifier != 0 {
			c.assignedClientID = connack.Properties.AssignedClientIdentifier
			c.opts.ClientID = c.assignedClientID
			c.opts.Logger.Debug("server assigned client ID", "client_id", c.assignedClientID)
		}

		if connack.Properties.Presence&packets.PresResponseInformation != 0 {
			c.responseInformation = connack.Properties.ResponseInformation
		}

		if connack.Properties.Presence&packets.PresServerReference != 0 {
			c.serverReference = connack.Properties.ServerReference
			if c.opts.OnServerRedirect != nil {
				go c.opts.OnServerRedirect(c.serverReference)
			}
		}

		if c.opts.TopicAliasMaximum > 0 && connack.Properties.Presence&packets.PresTopicAliasMaximum != 0 {
			serverLimit := connack.Properties.TopicAliasMaximum
			if serverLimit > 0 {
				c.maxAliases = min(serverLimit, c.opts.TopicAliasMaximum)
				c.topicAliases = make(map[string]uint16)
				c.nextAliasID = 1
			}
		}

		if connack.Properties.Presence&packets.PresServerKeepAlive != 0 {
			c.serverKeepAlive = connack.Properties.ServerKeepAlive
			c.opts.KeepAlive = time.Duration(c.serverKeepAlive) * time.Second
		} else {
			c.serverKeepAlive = 0
		}

		if connack.Properties.Presence&packets.PresSessionExpiryInterval != 0 {
			c.sessionExpiryInterval = connack.Properties.SessionExpiryInterval
		} else if c.opts.SessionExpirySet {
			c.sessionExpiryInterval = c.requestedSessionExpiry
		}
	} else {
		c.serverCaps = extractServerCapabilities(nil)
	}
}

type countingReader struct {
	io.Reader
	c *Client
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		r.c.bytesReceived.Add(uint64(n))
	}
	return n, err
}

type countingWriter struct {
	io.Writer
	c *Client
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	if n > 0 {
		w.c.bytesSent.Add(uint64(n))
	}
	return n, err
}
