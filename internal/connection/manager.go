package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rickgao/exchange-stream/internal/storage"
)

// HeaderFunc builds handshake headers for each connection attempt.
type HeaderFunc func() (http.Header, error)

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the store backing the subscription registry.
func WithStore(s storage.Store) Option {
	return func(m *Manager) { m.subs = registry{store: s} }
}

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithHeaders sets a handshake header builder, e.g. a request signer.
func WithHeaders(f HeaderFunc) Option {
	return func(m *Manager) { m.headers = f }
}

// WithObserver receives connection events.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// liveConn is one open transport and the goroutines bound to it.
type liveConn struct {
	client Client
	gen    uint64
	pong   chan struct{}
	cancel context.CancelFunc
}

type reply struct {
	payload json.RawMessage
	err     error
}

// Manager keeps a single logical connection to the stream server alive.
//
// It reconnects with jittered exponential backoff, checks liveness with
// ping/pong heartbeats, replays registered subscriptions on every connect and
// queues outbound messages while offline. Data frames are published on
// Messages; control, heartbeat and response frames are consumed internally.
type Manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	newClient ClientFactory
	headers   HeaderFunc
	observer  Observer
	subs      registry
	limiter   *rate.Limiter
	now       func() time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	state            State
	attempts         int
	manual           bool
	epoch            uint64 // Bumped by Connect and Disconnect to orphan in-flight dials
	gen              uint64 // Bumped on every successful open
	live             *liveConn
	reconnectTimer   *time.Timer
	lastConnected    time.Time
	lastDisconnected time.Time
	outbound         *outboundQueue
	seq              int64
	pending          map[string]chan reply

	// Output channels
	messages chan RawMessage
	states   chan StateChange
	errors   chan error

	// Stats
	received         atomic.Int64
	messagesDropped  atomic.Int64
	framesSent       atomic.Int64
	outboundDropped  atomic.Int64
	reconnects       atomic.Int64
	heartbeatsMissed atomic.Int64
}

// NewManager creates a new Connection Manager. It does not connect.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		newClient: NewClient,
		observer:  nopObserver{},
		subs:      registry{store: storage.NewMemory()},
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		outbound:  newOutboundQueue(cfg.OutboundCapacity),
		pending:   make(map[string]chan reply),
		messages:  make(chan RawMessage, cfg.MessageBufferSize),
		states:    make(chan StateChange, cfg.EventBufferSize),
		errors:    make(chan error, cfg.EventBufferSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.FlushRate > 0 {
		burst := cfg.FlushBurst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.FlushRate), burst)
	}
	return m
}

// Connect opens the connection. It is a no-op while connecting, connected or
// reconnecting. On failure the error is returned and a reconnect is scheduled.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.manual = false
	m.attempts = 0
	m.stopReconnectTimerLocked()
	m.epoch++
	epoch := m.epoch
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	return m.dial(ctx, epoch)
}

// Disconnect closes the connection and disables automatic reconnects.
// Pending requests fail with ErrConnectionClosed.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.manual = true
	m.epoch++
	m.stopReconnectTimerLocked()

	var client Client
	if m.live != nil {
		client = m.live.client
		m.teardownLocked()
		m.lastDisconnected = m.now()
	}
	m.attempts = 0
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	m.logger.Info("disconnected")
	return client.Close()
}

// Stop disconnects and waits for connection goroutines to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	err := m.Disconnect()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}
	return err
}

// Send transmits payload as a data frame and returns its id.
//
// Only StateConnected counts as online. While Connecting the transport may
// already be open, but the queued backlog is still being flushed, so a direct
// write would overtake it. Until Connected the message is queued when
// opts.QueueIfOffline is set, and ErrNotConnected is returned otherwise. The
// queue is bounded; on overflow the oldest queued message is dropped.
func (m *Manager) Send(payload any, opts SendOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	m.mu.Lock()
	live := m.live
	online := m.state == StateConnected && live != nil
	if !online && !opts.QueueIfOffline {
		m.mu.Unlock()
		return "", ErrNotConnected
	}

	m.seq++
	msg := OutboundMessage{
		ID:         uuid.NewString(),
		Payload:    raw,
		Sequence:   m.seq,
		Category:   opts.Category,
		Priority:   opts.Priority,
		EnqueuedAt: m.now(),
	}
	if !online {
		m.enqueueLocked(msg)
		m.mu.Unlock()
		return msg.ID, nil
	}
	m.mu.Unlock()

	if err := m.transmit(live.client, msg); err != nil {
		if !opts.QueueIfOffline {
			return "", err
		}
		m.logger.Debug("send failed, queued", "id", msg.ID, "error", err)
		m.mu.Lock()
		m.enqueueLocked(msg)
		m.mu.Unlock()
	}
	return msg.ID, nil
}

// Request sends payload as a request frame and waits for the response with
// the same id.
func (m *Manager) Request(ctx context.Context, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	m.mu.Lock()
	if m.state != StateConnected || m.live == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	live := m.live
	id := uuid.NewString()
	ch := make(chan reply, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	frame := requestFrame{ID: id, Type: frameTypeRequest, Payload: raw}
	if err := m.sendFrame(live.client, frame, frameTypeRequest); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case r := <-ch:
		return r.payload, r.err
	}
}

// Subscribe registers a subscription and returns its id. The subscription is
// sent now if a transport is open, and replayed on every later connect.
func (m *Manager) Subscribe(ctx context.Context, channel string, params any) (string, error) {
	var rawParams json.RawMessage
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("encode params: %w", err)
		}
		rawParams = p
	}

	sub := Subscription{
		ID:           uuid.NewString(),
		Channel:      channel,
		Params:       rawParams,
		SubscribedAt: m.now(),
	}
	if err := m.subs.add(ctx, sub); err != nil {
		return "", err
	}

	m.logger.Info("subscription registered", "id", sub.ID, "channel", channel)

	if live := m.openConn(); live != nil {
		if err := m.sendFrame(live.client, controlFor("subscribe", sub), "subscribe"); err != nil {
			m.logger.Warn("subscribe not sent, will replay on reconnect",
				"channel", channel,
				"error", err,
			)
		}
	}
	return sub.ID, nil
}

// Unsubscribe removes a subscription. Unknown ids return ErrUnknownSubscription.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	sub, err := m.subs.remove(ctx, id)
	if err != nil {
		return err
	}

	m.logger.Info("subscription removed", "id", id, "channel", sub.Channel)

	if live := m.openConn(); live != nil {
		if err := m.sendFrame(live.client, controlFor("unsubscribe", sub), "unsubscribe"); err != nil {
			m.logger.Warn("unsubscribe not sent", "channel", sub.Channel, "error", err)
		}
	}
	return nil
}

// Subscriptions returns registered subscriptions in registration order.
func (m *Manager) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return m.subs.list(ctx)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		State:              m.state,
		Attempts:           m.attempts,
		LastConnectedAt:    m.lastConnected,
		LastDisconnectedAt: m.lastDisconnected,
	}
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	state := m.state
	attempts := m.attempts
	queued := m.outbound.len()
	pending := len(m.pending)
	m.mu.Unlock()

	return ManagerStats{
		State:            state,
		Attempts:         attempts,
		Subscriptions:    m.subs.len(),
		OutboundQueued:   queued,
		OutboundDropped:  m.outboundDropped.Load(),
		PendingRequests:  pending,
		MessagesReceived: m.received.Load(),
		MessagesDropped:  m.messagesDropped.Load(),
		FramesSent:       m.framesSent.Load(),
		Reconnects:       m.reconnects.Load(),
		HeartbeatsMissed: m.heartbeatsMissed.Load(),
	}
}

// Messages returns data frames for the Router.
func (m *Manager) Messages() <-chan RawMessage {
	return m.messages
}

// StateChanges returns state transitions. Events are dropped if the channel
// is not drained.
func (m *Manager) StateChanges() <-chan StateChange {
	return m.states
}

// Errors returns terminal errors. ErrMaxAttemptsExceeded is the only error
// delivered here; recoverable failures are handled internally.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// dial makes one connection attempt for epoch.
func (m *Manager) dial(ctx context.Context, epoch uint64) error {
	cfg := m.cfg.Client
	cfg.URL = m.cfg.URL
	if m.headers != nil {
		h, err := m.headers()
		if err != nil {
			err = fmt.Errorf("build handshake headers: %w", err)
			m.dialFailed(epoch, err)
			return err
		}
		cfg.Header = h
	}

	dialCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	client := m.newClient(cfg, m.logger)
	if err := client.Connect(dialCtx); err != nil {
		client.Close()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, m.cfg.ConnectTimeout, err)
		}
		m.dialFailed(epoch, err)
		return err
	}

	return m.opened(epoch, client)
}

func (m *Manager) dialFailed(epoch uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		return
	}
	m.logger.Warn("connection attempt failed", "attempt", m.attempts, "error", err)
	m.failLocked(err)
}

// opened installs a freshly dialed client: it starts the read and heartbeat
// loops, flushes queued messages, replays subscriptions and then reports
// Connected.
func (m *Manager) opened(epoch uint64, client Client) error {
	m.mu.Lock()
	if epoch != m.epoch || m.manual {
		m.mu.Unlock()
		client.Close()
		return ErrConnectionClosed
	}
	m.gen++
	connCtx, cancel := context.WithCancel(m.ctx)
	live := &liveConn{
		client: client,
		gen:    m.gen,
		pong:   make(chan struct{}, 1),
		cancel: cancel,
	}
	m.live = live
	m.lastConnected = m.now()
	m.mu.Unlock()

	m.logger.Info("transport open", "url", m.cfg.URL, "gen", live.gen)

	m.wg.Add(2)
	go m.readLoop(connCtx, live)
	go m.heartbeatLoop(connCtx, live)

	m.flushOutbound(connCtx, live)
	if err := m.replaySubscriptions(connCtx, live); err != nil {
		m.logger.Warn("subscription replay incomplete", "error", err)
	}

	// Messages queued during the flush go out before Connected is reported.
	for {
		m.mu.Lock()
		if m.live != live {
			m.mu.Unlock()
			return nil
		}
		if m.outbound.len() == 0 {
			m.attempts = 0
			m.setStateLocked(StateConnected, nil)
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		m.flushOutbound(connCtx, live)
	}
}

// failLocked schedules a reconnect, or moves to Errored once attempts are
// exhausted.
func (m *Manager) failLocked(cause error) {
	if m.manual {
		m.setStateLocked(StateDisconnected, cause)
		return
	}

	maxAttempts := m.cfg.Backoff.MaxAttempts
	if maxAttempts > 0 && m.attempts >= maxAttempts {
		terminal := fmt.Errorf("%w (%d attempts): %v", ErrMaxAttemptsExceeded, m.attempts, cause)
		m.setStateLocked(StateErrored, terminal)
		m.logger.Error("giving up on connection", "attempts", m.attempts, "error", cause)
		select {
		case m.errors <- terminal:
		default:
		}
		return
	}

	m.setStateLocked(StateReconnecting, cause)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	delay := m.cfg.Backoff.Delay(m.attempts)
	m.attempts++
	attempt := m.attempts
	epoch := m.epoch

	m.observer.ReconnectScheduled(attempt, delay)
	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)

	m.stopReconnectTimerLocked()
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.reconnect(epoch)
	})
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	m.reconnects.Add(1)
	// dialFailed schedules the next attempt; a superseded epoch needs nothing.
	_ = m.dial(m.ctx, epoch)
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// connectionLost handles the end of live, whether reported by the read loop
// or forced by the heartbeat.
func (m *Manager) connectionLost(live *liveConn, cause error) {
	m.mu.Lock()
	if m.live != live {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.lastDisconnected = m.now()

	switch {
	case m.manual:
		m.setStateLocked(StateDisconnected, cause)
	case isNormalClosure(cause):
		m.logger.Info("server closed connection", "error", cause)
		m.setStateLocked(StateDisconnected, cause)
	default:
		m.logger.Warn("connection lost", "gen", live.gen, "error", cause)
		m.failLocked(cause)
	}
	m.mu.Unlock()

	live.client.Close()
}

// teardownLocked detaches the live connection, stops its goroutines and
// fails pending requests.
func (m *Manager) teardownLocked() {
	if m.live == nil {
		return
	}
	m.live.cancel()
	m.live = nil

	for id, ch := range m.pending {
		select {
		case ch <- reply{err: ErrConnectionClosed}:
		default:
		}
		delete(m.pending, id)
	}
}

// openConn returns the open transport, even before Connected is reported.
func (m *Manager) openConn() *liveConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *Manager) setStateLocked(to State, cause error) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to

	select {
	case m.states <- StateChange{From: from, To: to, Err: cause, At: m.now()}:
	default:
		m.logger.Debug("state change dropped, channel full", "to", to)
	}
	m.observer.StateChanged(from, to)
	m.logger.Info("connection state changed", "from", from, "to", to)
}

func (m *Manager) enqueueLocked(msg OutboundMessage) {
	if evicted, ok := m.outbound.push(msg); ok {
		m.outboundDropped.Add(1)
		m.observer.OutboundDropped(ErrOutboundOverflow)
		m.logger.Warn("outbound queue full, dropping oldest",
			"dropped_id", evicted.ID,
			"capacity", m.cfg.OutboundCapacity,
		)
	}
	m.observer.OutboundQueued(m.outbound.len())
}

// flushOutbound sends queued messages FIFO. Messages that fail to send are
// dropped. Stops early, leaving the rest queued, if ctx ends.
func (m *Manager) flushOutbound(ctx context.Context, live *liveConn) {
	flushed := 0
	for ctx.Err() == nil {
		m.mu.Lock()
		msg, ok := m.outbound.pop()
		depth := m.outbound.len()
		m.mu.Unlock()
		if !ok {
			break
		}
		m.observer.OutboundQueued(depth)

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				m.outboundDropped.Add(1)
				m.observer.OutboundDropped(err)
				return
			}
		}

		if err := m.transmit(live.client, msg); err != nil {
			m.outboundDropped.Add(1)
			m.observer.OutboundDropped(err)
			m.logger.Warn("dropping queued message", "id", msg.ID, "error", err)
			continue
		}
		flushed++
	}

	if flushed > 0 {
		m.logger.Info("outbound queue flushed", "count", flushed)
	}
}

func (m *Manager) replaySubscriptions(ctx context.Context, live *liveConn) error {
	subs, err := m.subs.list(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if err := m.sendFrame(live.client, controlFor("subscribe", sub), "subscribe"); err != nil {
			return fmt.Errorf("replay %s: %w", sub.Channel, err)
		}
	}
	if len(subs) > 0 {
		m.logger.Info("subscriptions replayed", "count", len(subs), "gen", live.gen)
	}
	return nil
}

func (m *Manager) transmit(client Client, msg OutboundMessage) error {
	frame := dataFrame{
		ID:        msg.ID,
		Category:  msg.Category,
		Payload:   msg.Payload,
		Timestamp: m.now().UnixMilli(),
		Sequence:  msg.Sequence,
		Priority:  msg.Priority,
	}
	return m.sendFrame(client, frame, "data")
}

func (m *Manager) sendFrame(client Client, frame any, kind string) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", kind, err)
	}
	if err := client.Send(data); err != nil {
		return err
	}
	m.framesSent.Add(1)
	m.observer.FrameSent(kind)
	return nil
}

// readLoop consumes frames from live until it errors or is torn down.
func (m *Manager) readLoop(ctx context.Context, live *liveConn) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-live.client.Messages():
			m.handleFrame(live, msg)

		case err := <-live.client.Errors():
			// Deliver frames read before the error.
		drain:
			for {
				select {
				case msg := <-live.client.Messages():
					m.handleFrame(live, msg)
				default:
					break drain
				}
			}
			m.connectionLost(live, err)
			return
		}
	}
}

// handleFrame answers heartbeats, resolves responses and forwards everything
// else to Messages.
func (m *Manager) handleFrame(live *liveConn, msg TimestampedMessage) {
	m.received.Add(1)

	var hdr frameHeader
	if err := json.Unmarshal(msg.Data, &hdr); err == nil {
		switch hdr.Type {
		case frameTypePing:
			m.observer.FrameReceived(frameTypePing)
			pong := heartbeatFrame{Type: frameTypePong, Timestamp: m.now().UnixMilli()}
			if err := m.sendFrame(live.client, pong, frameTypePong); err != nil {
				m.logger.Debug("failed to answer ping", "error", err)
			}
			return

		case frameTypePong:
			m.observer.FrameReceived(frameTypePong)
			select {
			case live.pong <- struct{}{}:
			default:
			}
			return

		case frameTypeResponse, frameTypeError:
			if hdr.ID != "" {
				m.observer.FrameReceived(hdr.Type)
				m.resolve(msg.Data)
				return
			}
		}
	}

	m.observer.FrameReceived("data")
	raw := RawMessage{
		Data:       msg.Data,
		ReceivedAt: msg.ReceivedAt,
		ConnGen:    live.gen,
	}

	select {
	case m.messages <- raw:
	default:
		m.messagesDropped.Add(1)
		m.logger.Warn("message buffer full, dropping", "gen", live.gen)
	}
}

// resolve delivers a response frame to its waiting Request.
func (m *Manager) resolve(data []byte) {
	var resp responseFrame
	if err := json.Unmarshal(data, &resp); err != nil {
		m.logger.Debug("malformed response frame", "error", err)
		return
	}

	m.mu.Lock()
	ch, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("response without waiter", "id", resp.ID)
		return
	}

	r := reply{payload: resp.Payload}
	if resp.Type == frameTypeError {
		r.err = fmt.Errorf("%w: %s", ErrRequestFailed, resp.Payload)
	}
	select {
	case ch <- r:
	default:
	}
}
