package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"
)

// ReadyState mirrors the standard websocket ready states.
type ReadyState int32

const (
	Connecting ReadyState = 0
	Connected  ReadyState = 1
	Closing    ReadyState = 2
	Closed     ReadyState = 3
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

const (
	topicOnOpen  = "onOpen"
	topicOnClose = "onClose"
	topicOnError = "onError"
	topicOnData  = "onData"
)

func topicName(topic string) string {
	return "API.Transports.WebSockets." + topic
}

// uriContext is the hub context shared by every subscriber of uri.
func uriContext(uri string) string {
	return strings.ReplaceAll(uri, "/", "-")
}

// subscriberContext is the hub context that only one subscriber of uri listens on.
func subscriberContext(uri, unique string) string {
	return uriContext(uri) + "/" + unique
}

type socketEntry struct {
	socket      *sharedSocket
	subscribers map[string]struct{}
}

// socketRegistry holds at most one shared socket per URI. Every read-then-write
// happens inside one critical section so two transports can never race to
// create duplicate sockets.
type socketRegistry struct {
	mu    sync.Mutex
	byURI map[string]*socketEntry
}

func newSocketRegistry() *socketRegistry {
	return &socketRegistry{byURI: make(map[string]*socketEntry)}
}

var sockets = newSocketRegistry()

// attach registers unique as a subscriber of uri, creating the socket when
// there is none yet. created tells the caller to open it.
func (r *socketRegistry) attach(uri, unique string, create func() *sharedSocket) (s *sharedSocket, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byURI[uri]
	if !ok {
		entry = &socketEntry{
			socket:      create(),
			subscribers: make(map[string]struct{}),
		}
		r.byURI[uri] = entry
		openSockets.Inc()
		created = true
	}
	entry.subscribers[unique] = struct{}{}
	return entry.socket, created
}

// detach removes unique from the subscribers of uri. When nobody is left, or
// force is set, the entry is dropped and the socket is returned for closing.
func (r *socketRegistry) detach(uri, unique string, force bool) *sharedSocket {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byURI[uri]
	if !ok {
		return nil
	}
	delete(entry.subscribers, unique)
	if len(entry.subscribers) > 0 && !force {
		return nil
	}
	delete(r.byURI, uri)
	openSockets.Dec()
	return entry.socket
}

// purge drops the entry for uri if it still belongs to s.
func (r *socketRegistry) purge(uri string, s *sharedSocket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byURI[uri]
	if !ok || entry.socket != s {
		return false
	}
	delete(r.byURI, uri)
	openSockets.Dec()
	return true
}

func (r *socketRegistry) lookup(uri string) (*sharedSocket, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byURI[uri]
	if !ok {
		return nil, 0
	}
	return entry.socket, len(entry.subscribers)
}

// SharedSocketCount returns the number of physical sockets registered for uri (0 or 1)
// and how many transports subscribe to it.
func SharedSocketCount(uri string) (count int, subscribers int) {
	s, n := sockets.lookup(uri)
	if s == nil {
		return 0, 0
	}
	return 1, n
}

// wsConn is one physical connection. Its reader, writer and keepalive
// goroutines live and die with the tomb.
type wsConn struct {
	tmb  tomb.Tomb
	conn *websocket.Conn
}

type pingWait struct {
	id Ref
}

// sharedSocket is the connection behind every WebSockets transport of one
// URI. It owns the keepalive and the reconnect policy, and publishes
// onOpen/onClose/onError/onData on the hub.
type sharedSocket struct {
	uri        string
	url        string
	context    string
	settings   Settings
	dialer     websocket.Dialer
	header     http.Header
	logger     Logger
	hub        *Hub
	serializer Serializer

	send chan []byte

	mu                sync.RWMutex
	state             ReadyState
	conn              *wsConn
	cancelDial        context.CancelFunc
	closed            bool
	finished          bool
	pings             map[*pingWait]*callbackTimer
	attemptsRemaining int
}

func newSharedSocket(cfg TransportConfig) *sharedSocket {
	dialer := *cfg.Env.Dialer
	dialer.Subprotocols = cfg.Settings.Protocols

	return &sharedSocket{
		uri:               cfg.URI,
		url:               wsScheme(cfg.Secure) + "://" + cfg.URI,
		context:           uriContext(cfg.URI),
		settings:          cfg.Settings,
		dialer:            dialer,
		header:            cfg.Settings.Headers,
		logger:            cfg.Env.Logger,
		hub:               events,
		serializer:        NewJSONSerializer(),
		send:              make(chan []byte, sendBufferSize),
		state:             Connecting,
		pings:             make(map[*pingWait]*callbackTimer),
		attemptsRemaining: cfg.Settings.MaxConnectRetries,
	}
}

func (s *sharedSocket) ReadyState() ReadyState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

func (s *sharedSocket) open() {
	s.connect(false)
}

func (s *sharedSocket) connect(reconnect bool) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		s.finish()
		return
	}
	s.state = Connecting
	s.cancelDial = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()

		var conn *websocket.Conn
		var err error
		if reconnect {
			conn, err = s.dialWithBackoff(ctx)
		} else {
			conn, err = s.dial(ctx)
		}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Printf(LogError, "websocket", "Connection to %s failed: %s", s.url, err)
				s.publish(topicOnError, wrapError(err), "")
			}
			s.finish()
			return
		}
		s.attach(conn)
	}()
}

func (s *sharedSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return nil, fmt.Errorf("error dialing websocket: %w", err)
	}
	return conn, nil
}

func (s *sharedSocket) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = s.settings.ReconnectTimeout

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		c, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		s.logger.Printf(LogWarning, "websocket", "Reconnect to %s failed, retrying in %s: %s", s.url, next.Round(time.Millisecond), err)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *sharedSocket) attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		s.finish()
		return
	}
	c := &wsConn{conn: conn}
	s.conn = c
	s.state = Connected
	s.cancelDial = nil
	s.attemptsRemaining = s.settings.MaxConnectRetries
	s.mu.Unlock()

	s.logger.Printf(LogInfo, "websocket", "Connected to %s", s.url)

	c.tmb.Go(func() error {
		c.tmb.Go(func() error { return s.writer(c) })
		c.tmb.Go(func() error { return s.keepalive(c) })
		return s.reader(c)
	})
	go func() {
		<-c.tmb.Dead()
		s.connDone(c)
	}()

	// make sure the server is responding before telling anyone we are open
	s.ping(func() {
		s.publish(topicOnOpen, nil, "")
	})
}

func (s *sharedSocket) reader(c *wsConn) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if !c.tmb.Alive() {
			return nil
		} else if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf(LogInfo, "websocket", "Connection to %s closed by server", s.url)
			} else {
				s.logger.Printf(LogWarning, "websocket", "Could not read from %s: %s", s.url, err)
			}
			return err
		}
		s.onMessage(raw)
	}
}

func (s *sharedSocket) writer(c *wsConn) error {
	for {
		select {
		case <-c.tmb.Dying():
			return nil
		case msg := <-s.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !c.tmb.Alive() {
					return nil
				}
				s.logger.Printf(LogWarning, "websocket", "Could not write to %s: %s", s.url, err)
				return err
			}
		}
	}
}

func (s *sharedSocket) keepalive(c *wsConn) error {
	ticker := time.NewTicker(s.settings.ServerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.tmb.Dying():
			return nil
		case <-ticker.C:
			s.ping(nil)
		}
	}
}

func (s *sharedSocket) onMessage(raw []byte) {
	if len(raw) == 0 {
		return
	}
	data, err := s.serializer.decode(raw)
	if err != nil {
		s.logger.Printf(LogWarning, "websocket", "Dropping malformed message from %s: %s", s.url, err)
		return
	}
	s.logger.Printf(LogDebug, "websocket", "Received message: %v", data)

	if isPong(data) {
		// pongs are about the connection, not about whoever sent the ping
		s.hub.Publish(Publication{
			Topic:   topicName(topicOnData),
			Data:    data,
			Context: s.context,
		})
		return
	}
	if m, ok := data.(Message); ok {
		if sub := m.Subscription(); sub != "" {
			s.publish(topicOnData, data, sub)
			return
		}
	}
	s.publish(topicOnData, data, "")
}

// publish delivers to one subscriber when subscription is set, otherwise to
// the URI context and every subscriber context under it.
func (s *sharedSocket) publish(topic string, data any, subscription string) {
	ctx := s.context
	if subscription != "" {
		ctx = subscriberContext(s.uri, subscription)
	}
	s.hub.Publish(Publication{
		Topic:       topicName(topic),
		Data:        data,
		Context:     ctx,
		Propagation: subscription == "",
		Global:      false,
	})
}

func (s *sharedSocket) write(msg []byte) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrNotConnected
	}

	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ping sends a ping and waits one ping interval for the pong. onPong runs
// when it arrives; a miss counts against the reconnect budget.
func (s *sharedSocket) ping(onPong func()) {
	w := &pingWait{}
	timer := newCallbackTimer(func() {
		if !s.forgetPing(w) {
			return
		}
		pongTimeouts.Inc()
		s.tryReconnect()
	}, fixedDelay(s.settings.ServerPingInterval))

	id := s.hub.Subscribe(Subscription{
		Topic:   topicName(topicOnData),
		Context: s.context,
		Handler: func(_ string, data any) {
			if !isPong(data) {
				return
			}
			if !s.forgetPing(w) {
				return
			}
			s.resetAttempts()
			if onPong != nil {
				onPong()
			}
		},
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.hub.Unsubscribe(id)
		return
	}
	w.id = id
	s.pings[w] = timer
	s.mu.Unlock()

	msg, _ := s.serializer.encode(Message{"event": pingEvent})
	if err := s.write(msg); err != nil {
		s.logger.Printf(LogWarning, "websocket", "Could not queue ping for %s: %s", s.url, err)
	}
	timer.Run()
}

// forgetPing removes w from the outstanding pings. Only the first caller gets true.
func (s *sharedSocket) forgetPing(w *pingWait) bool {
	s.mu.Lock()
	timer, ok := s.pings[w]
	delete(s.pings, w)
	s.mu.Unlock()

	if !ok {
		return false
	}
	timer.Stop()
	s.hub.Unsubscribe(w.id)
	return true
}

func (s *sharedSocket) resetAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attemptsRemaining = s.settings.MaxConnectRetries
}

func (s *sharedSocket) tryReconnect() {
	s.mu.Lock()
	s.attemptsRemaining--
	remaining := s.attemptsRemaining
	s.mu.Unlock()

	s.logger.Printf(LogWarning, "websocket", "No pong from %s, %d attempts remaining", s.url, remaining)
	if remaining <= 0 {
		s.reconnect()
	}
}

// reconnect drops the physical connection and dials a new one. Subscribers
// stay registered; they see onClose now and onOpen once the new connection answers a ping.
func (s *sharedSocket) reconnect() {
	s.mu.Lock()
	c := s.conn
	if s.closed || c == nil {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = Connecting
	s.attemptsRemaining = s.settings.MaxConnectRetries
	s.mu.Unlock()

	socketReconnects.Inc()
	s.logger.Printf(LogInfo, "websocket", "Reconnecting to %s", s.url)

	s.stopPings()
	s.kill(c, errReconnectNeeded)
	s.publish(topicOnClose, nil, "")
	s.connect(true)
}

// close tears the socket down for good. Safe to call more than once.
func (s *sharedSocket) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = Closing
	c := s.conn
	cancel := s.cancelDial
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		s.kill(c, errClosedByClient)
	} else if cancel == nil {
		// neither connected nor dialing, e.g. between reconnect steps
		s.finish()
	}
}

func (s *sharedSocket) kill(c *wsConn, reason error) {
	if !c.tmb.Alive() {
		return
	}
	// attempt to gracefully close the connection by sending a close websocket message
	deadline := time.Now().Add(closeGracePeriod)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
	c.tmb.Kill(reason)
}

func (s *sharedSocket) connDone(c *wsConn) {
	s.mu.Lock()
	if s.conn != c {
		// replaced by a reconnect
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	if err := c.tmb.Err(); err != nil && !errors.Is(err, errClosedByClient) {
		s.logger.Printf(LogInfo, "websocket", "Connection to %s ended: %s", s.url, err)
	}
	s.finish()
}

func (s *sharedSocket) stopPings() {
	s.mu.Lock()
	pings := s.pings
	s.pings = make(map[*pingWait]*callbackTimer)
	s.mu.Unlock()

	for w, timer := range pings {
		timer.Stop()
		s.hub.Unsubscribe(w.id)
	}
}

// finish runs once, when the socket is gone for good: timers stop, subscribers
// get onClose, their hub subscriptions are dropped and the URI is purged.
func (s *sharedSocket) finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.closed = true
	s.state = Closed
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	s.mu.Unlock()

	s.stopPings()
	sockets.purge(s.uri, s)

	// collect first so subscriptions made by onClose handlers survive
	stale := s.hub.contextTreeRefs(s.context)
	s.publish(topicOnClose, nil, "")
	for _, id := range stale {
		s.hub.Unsubscribe(id)
	}
	s.logger.Printf(LogInfo, "websocket", "Disconnected from %s", s.url)
}
