package api

import (
	"sync"

	"github.com/google/uuid"
)

// WebSockets is one logical subscriber of the shared socket for its URI.
// Responses are routed back to it through the "subscription" envelope field,
// which carries Unique().
type WebSockets struct {
	mu         sync.Mutex
	cfg        TransportConfig
	unique     string
	handlerIDs map[string][]Ref
	socket     *sharedSocket
	attached   bool
	inert      bool
	logger     Logger
	serializer Serializer
}

func NewWebSockets(cfg TransportConfig) *WebSockets {
	cfg = cfg.withDefaults()
	w := &WebSockets{
		cfg:        cfg,
		unique:     uuid.NewString(),
		handlerIDs: make(map[string][]Ref),
		logger:     cfg.Env.Logger,
		serializer: NewJSONSerializer(),
	}
	if cfg.URI == "" {
		w.logger.Printf(LogError, "websockets", "Unable to initialize WebSockets transport, config is invalid: %+v", cfg)
		w.inert = true
	}
	return w
}

func webSocketsAvailable(env *Environment, _ availability) bool {
	return env.WebSocket
}

func (w *WebSockets) Name() string { return TransportWebSockets }

// Unique is the subscription id of this transport.
func (w *WebSockets) Unique() string { return w.unique }

func (w *WebSockets) readyState() (ReadyState, bool) {
	w.mu.Lock()
	socket := w.socket
	w.mu.Unlock()

	if socket == nil {
		return Closed, false
	}
	return socket.ReadyState(), true
}

func (w *WebSockets) Connecting() bool {
	state, ok := w.readyState()
	return ok && state == Connecting
}

func (w *WebSockets) Connected() bool {
	state, ok := w.readyState()
	return ok && state == Connected
}

func (w *WebSockets) Closing() bool {
	state, ok := w.readyState()
	return ok && state == Closing
}

func (w *WebSockets) Closed() bool {
	state, ok := w.readyState()
	return ok && state == Closed
}

// Connect subscribes to the hub topics of this URI and attaches to the shared
// socket, creating it if needed. It does nothing while already attached to a
// live socket.
func (w *WebSockets) Connect() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inert {
		return
	}
	if w.attached && w.socket != nil {
		if state := w.socket.ReadyState(); state == Connecting || state == Connected {
			return
		}
	}

	w.unsubscribeLocked()
	for _, topic := range []string{topicOnOpen, topicOnClose, topicOnError, topicOnData} {
		context := uriContext(w.cfg.URI)
		if topic == topicOnData {
			// data goes to its subscriber only, never to everyone on the socket
			context = subscriberContext(w.cfg.URI, w.unique)
		}
		id := events.Subscribe(Subscription{
			Topic:   topicName(topic),
			Context: context,
			Handler: w.handler(topic),
		})
		w.handlerIDs[topic] = append(w.handlerIDs[topic], id)
	}

	cfg := w.cfg
	socket, created := sockets.attach(cfg.URI, w.unique, func() *sharedSocket {
		return newSharedSocket(cfg)
	})
	w.socket = socket
	w.attached = true
	if created {
		socket.open()
	}
}

func (w *WebSockets) handler(topic string) EventHandler {
	return func(_ string, data any) {
		w.mu.Lock()
		h := w.cfg.Handlers
		w.mu.Unlock()

		switch topic {
		case topicOnOpen:
			h.open()
		case topicOnClose:
			h.close()
		case topicOnError:
			err, ok := data.(*Error)
			if !ok {
				err = wrapError(data)
			}
			h.error(err, ErrorInfo{})
		case topicOnData:
			h.data(data)
		}
	}
}

// Send writes payload, or the configured data when payload is nil, to the
// shared socket. Object payloads get this transport's subscription id unless
// they carry one already. With nothing to send it is a no-op.
func (w *WebSockets) Send(payload any) error {
	w.mu.Lock()
	socket, attached, inert := w.socket, w.attached, w.inert
	defaults := w.cfg.Data
	w.mu.Unlock()

	if inert || !attached || socket == nil {
		return ErrNotConnected
	}

	if raw, ok := asRaw(payload); ok {
		return socket.write([]byte(raw))
	}

	if payload == nil {
		payload = defaults
	}
	if payload == nil {
		return nil
	}
	msg := Message{}
	if m, ok := asMap(payload); ok {
		for k, v := range m {
			msg[k] = v
		}
	}
	if msg.Subscription() == "" {
		msg["subscription"] = w.unique
	}
	data, err := w.serializer.encode(msg)
	if err != nil {
		return err
	}
	return socket.write(data)
}

// Abort drops this transport's interest in the shared socket. The socket is
// closed when no subscriber is left or when force is set. onClose stays
// subscribed so the close is still reported.
func (w *WebSockets) Abort(force bool) {
	w.mu.Lock()
	if w.inert {
		w.mu.Unlock()
		return
	}
	for _, topic := range []string{topicOnData, topicOnOpen, topicOnError} {
		for _, id := range w.handlerIDs[topic] {
			events.Unsubscribe(id)
		}
		delete(w.handlerIDs, topic)
	}
	attached := w.attached
	w.attached = false
	uri, unique := w.cfg.URI, w.unique
	w.mu.Unlock()

	if !attached && !force {
		return
	}
	if socket := sockets.detach(uri, unique, force); socket != nil {
		socket.close()
	}
}

func (w *WebSockets) Reconfigure(cfg TransportConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg.URI = w.cfg.URI
	cfg.Env = w.cfg.Env
	w.cfg = cfg.withDefaults()
}

func (w *WebSockets) unsubscribeLocked() {
	for topic, ids := range w.handlerIDs {
		for _, id := range ids {
			events.Unsubscribe(id)
		}
		delete(w.handlerIDs, topic)
	}
}
