package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

// owned exclusively by the connection manager. Callers get copies.
type ConnectionState struct {
	Status          ConnectionStatus
	Attempt         int
	LastHeartbeatAt time.Time
}

type ConnectionManagerSettings struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	HeartbeatInterval    time.Duration
	MessageBufferSize    int
	BatchTimeout         time.Duration
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		MessageBufferSize:    100,
		BatchTimeout:         100 * time.Millisecond,
	}
}

type ReceiveFunction func(message any)

// owns the logical link to the server: connect/reconnect lifecycle, heartbeat,
// prioritized batched sends, and typed fan-out of inbound messages.
//
// all state transitions happen under stateLock. Every timer-driven continuation
// (reconnect backoff, heartbeat, read loop exit) carries the generation it was
// scheduled under and re-checks it before acting, so a timer scheduled before
// Disconnect can never resurrect a manually closed connection.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	auth *ClientAuth
	dial DialFunc

	settings *ConnectionManagerSettings

	stateLock  sync.Mutex
	state      ConnectionState
	transport  Transport
	generation int
	connCancel context.CancelFunc

	queue *sendQueue

	subscriberLock sync.Mutex
	subscribers    map[string]*callbackList[ReceiveFunction]
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	auth *ClientAuth,
	dial DialFunc,
) *ConnectionManager {
	return NewConnectionManager(ctx, auth, dial, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	ctx context.Context,
	auth *ClientAuth,
	dial DialFunc,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	connectionManager := &ConnectionManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		auth:     auth,
		dial:     dial,
		settings: settings,
		state: ConnectionState{
			Status: ConnectionStatusDisconnected,
		},
		queue:       newSendQueue(settings.MessageBufferSize),
		subscribers: map[string]*callbackList[ReceiveFunction]{},
	}
	go connectionManager.flushLoop()
	return connectionManager
}

func (self *ConnectionManager) Auth() *ClientAuth {
	return self.auth
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *ConnectionManager) IsHealthy() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state.Status != ConnectionStatusConnected {
		return false
	}
	return time.Since(self.state.LastHeartbeatAt) <= 2*self.settings.HeartbeatInterval
}

// establishes the transport. Blocks until connected (nil), the attempt cap is
// exhausted (ErrConnectionFailed, status failed), or ctx is done. An explicit
// Connect from the failed state resets the attempt counter and retries.
func (self *ConnectionManager) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	switch self.state.Status {
	case ConnectionStatusConnected, ConnectionStatusConnecting, ConnectionStatusReconnecting:
		self.stateLock.Unlock()
		return nil
	}
	self.state.Status = ConnectionStatusConnecting
	self.state.Attempt = 0
	self.generation += 1
	gen := self.generation
	connCtx, connCancel := context.WithCancel(self.ctx)
	self.connCancel = connCancel
	self.stateLock.Unlock()

	for {
		transport, err := self.dial(connCtx)
		if err == nil {
			if self.install(gen, connCtx, transport) {
				return nil
			}
			transport.Close()
			return ErrClosed
		}
		glog.Infof("[c]connect error = %s\n", err)

		var delay time.Duration
		failed := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if gen != self.generation {
				failed = true
				return
			}
			self.state.Attempt += 1
			if self.settings.MaxReconnectAttempts < self.state.Attempt {
				self.state.Status = ConnectionStatusFailed
				failed = true
				return
			}
			delay = self.backoff(self.state.Attempt)
		}()
		if failed {
			connCancel()
			return ErrConnectionFailed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-connCtx.Done():
			return ErrClosed
		case <-time.After(delay):
		}
	}
}

// explicit disconnect. Terminal for this link: all pending timers are
// invalidated synchronously via the generation bump and epoch cancel, and no
// automatic reconnect will follow.
func (self *ConnectionManager) Disconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.generation += 1
	if self.connCancel != nil {
		self.connCancel()
		self.connCancel = nil
	}
	if self.transport != nil {
		self.transport.Close()
		self.transport = nil
	}
	self.state.Status = ConnectionStatusDisconnected
}

func (self *ConnectionManager) Close() {
	self.Disconnect()
	self.cancel()
}

// enqueues one message. Never blocks the caller; on overflow the oldest
// queued envelope is dropped with a logged warning.
func (self *ConnectionManager) Send(message any, priority SendPriority) {
	envelope, err := ToEnvelope(message)
	if err != nil {
		glog.Errorf("[c]send encode error = %s\n", err)
		return
	}
	if dropped := self.queue.Add(envelope, priority); dropped != nil {
		glog.Infof("[c]send buffer full, dropped %s\n", dropped.envelope.Type)
	}
}

// registers a typed inbound handler. Multiple subscribers per type are
// invoked independently; a panicking subscriber is isolated and logged.
// returns an unsubscribe function.
func (self *ConnectionManager) Subscribe(messageType string, callback ReceiveFunction) func() {
	self.subscriberLock.Lock()
	callbacks, ok := self.subscribers[messageType]
	if !ok {
		callbacks = newCallbackList[ReceiveFunction]()
		self.subscribers[messageType] = callbacks
	}
	self.subscriberLock.Unlock()

	handle := callbacks.add(callback)
	return func() {
		callbacks.remove(handle)
	}
}

func (self *ConnectionManager) backoff(attempt int) time.Duration {
	// linear in the attempt count, capped. Monotonically non-decreasing.
	delay := time.Duration(attempt) * self.settings.ReconnectDelay
	if self.settings.MaxReconnectDelay < delay {
		delay = self.settings.MaxReconnectDelay
	}
	return delay
}

// takes ownership of an established transport for the given generation.
// returns false if the generation is stale (disconnect raced the dial).
func (self *ConnectionManager) install(gen int, connCtx context.Context, transport Transport) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if gen != self.generation {
		return false
	}
	self.transport = transport
	self.state.Status = ConnectionStatusConnected
	self.state.Attempt = 0
	self.state.LastHeartbeatAt = time.Now()

	go self.readLoop(connCtx, gen, transport)
	go self.heartbeatLoop(connCtx, gen, transport)
	return true
}

// called on transport-level failure. Tears down the current epoch and starts
// the reconnect loop under a new generation.
func (self *ConnectionManager) handleTransportError(gen int) {
	self.stateLock.Lock()

	if gen != self.generation {
		self.stateLock.Unlock()
		return
	}
	if self.connCancel != nil {
		self.connCancel()
	}
	if self.transport != nil {
		self.transport.Close()
		self.transport = nil
	}
	self.state.Status = ConnectionStatusReconnecting
	self.generation += 1
	nextGen := self.generation
	connCtx, connCancel := context.WithCancel(self.ctx)
	self.connCancel = connCancel

	self.stateLock.Unlock()

	go self.reconnectLoop(connCtx, nextGen)
}

func (self *ConnectionManager) reconnectLoop(connCtx context.Context, gen int) {
	for {
		var delay time.Duration
		stop := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if gen != self.generation {
				stop = true
				return
			}
			self.state.Attempt += 1
			if self.settings.MaxReconnectAttempts < self.state.Attempt {
				glog.Infof("[c]reconnect attempts exhausted (%d)\n", self.settings.MaxReconnectAttempts)
				self.state.Status = ConnectionStatusFailed
				if self.connCancel != nil {
					self.connCancel()
					self.connCancel = nil
				}
				stop = true
				return
			}
			delay = self.backoff(self.state.Attempt)
		}()
		if stop {
			return
		}

		select {
		case <-connCtx.Done():
			return
		case <-time.After(delay):
		}

		// the backoff timer may have been scheduled before a disconnect
		self.stateLock.Lock()
		stale := gen != self.generation
		self.stateLock.Unlock()
		if stale {
			return
		}

		transport, err := self.dial(connCtx)
		if err != nil {
			glog.Infof("[c]reconnect error = %s\n", err)
			continue
		}
		if !self.install(gen, connCtx, transport) {
			transport.Close()
			return
		}
		glog.Infof("[c]reconnected\n")
		return
	}
}

func (self *ConnectionManager) readLoop(connCtx context.Context, gen int, transport Transport) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		message, err := transport.ReadMessage()
		if err != nil {
			select {
			case <-connCtx.Done():
			default:
				glog.Infof("[c]<- error = %s\n", err)
				self.handleTransportError(gen)
			}
			return
		}

		// any inbound traffic counts as liveness
		self.stateLock.Lock()
		if gen == self.generation {
			self.state.LastHeartbeatAt = time.Now()
		}
		self.stateLock.Unlock()

		if len(message) == 0 {
			// keepalive
			glog.V(2).Infof("[c]ping<-\n")
			continue
		}

		envelopes, err := DecodeFrame(message)
		if err != nil {
			// malformed frames are dropped, the connection stays up
			glog.Infof("[c]drop malformed frame = %s\n", err)
			continue
		}
		for _, envelope := range envelopes {
			self.dispatch(envelope)
		}
	}
}

func (self *ConnectionManager) dispatch(envelope *Envelope) {
	message, err := FromEnvelope(envelope)
	if err != nil {
		glog.Infof("[c]drop %s = %s\n", envelope.Type, err)
		return
	}

	self.subscriberLock.Lock()
	callbacks := self.subscribers[envelope.Type]
	self.subscriberLock.Unlock()
	if callbacks == nil {
		glog.V(2).Infof("[c]no subscriber %s<-\n", envelope.Type)
		return
	}
	for _, callback := range callbacks.get() {
		callback := callback
		handleCallback("c", func() {
			callback(message)
		})
	}
}

func (self *ConnectionManager) heartbeatLoop(connCtx context.Context, gen int, transport Transport) {
	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
		}

		self.stateLock.Lock()
		stale := gen != self.generation
		silent := 2*self.settings.HeartbeatInterval < time.Since(self.state.LastHeartbeatAt)
		self.stateLock.Unlock()
		if stale {
			return
		}
		if silent {
			glog.Infof("[c]heartbeat timeout\n")
			self.handleTransportError(gen)
			return
		}

		if err := transport.WriteMessage(nil); err != nil {
			glog.Infof("[c]ping-> error = %s\n", err)
			self.handleTransportError(gen)
			return
		}
		glog.V(2).Infof("[c]ping->\n")
	}
}

func (self *ConnectionManager) flushLoop() {
	ticker := time.NewTicker(self.settings.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}
		self.flush()
	}
}

// sends all queued envelopes as one frame: a bare envelope when exactly one is
// pending, an array when more. Priority classes flush high, normal, low, with
// enqueue order preserved within a class.
func (self *ConnectionManager) flush() {
	self.stateLock.Lock()
	transport := self.transport
	connected := self.state.Status == ConnectionStatusConnected
	gen := self.generation
	self.stateLock.Unlock()

	if !connected || transport == nil {
		return
	}

	items := self.queue.Drain()
	if len(items) == 0 {
		return
	}
	envelopes := make([]*Envelope, len(items))
	for i, item := range items {
		envelopes[i] = item.envelope
	}
	frame, err := EncodeFrame(envelopes)
	if err != nil {
		glog.Errorf("[c]flush encode error = %s\n", err)
		return
	}
	if err := transport.WriteMessage(frame); err != nil {
		glog.Infof("[c]-> error = %s\n", err)
		self.handleTransportError(gen)
		return
	}
	glog.V(2).Infof("[c]flush %d->\n", len(envelopes))
}
