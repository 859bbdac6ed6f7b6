package api

import (
	"sort"
	"strings"
	"sync"
)

// EventHandler receives the topic it was subscribed to and the published data.
type EventHandler func(topic string, data any)

type Subscription struct {
	Topic   string
	Context string
	Handler EventHandler
}

// Publication describes one Publish call.
//
// Propagation also delivers to every context nested under Context: "a"
// reaches "a/b" and "a/b/c". Global also delivers to handlers subscribed with
// an empty Context.
type Publication struct {
	Topic       string
	Data        any
	Context     string
	Propagation bool
	Global      bool
}

type hubBinding struct {
	id      Ref
	topic   string
	context string
	handler EventHandler
}

// Hub is a topic/context scoped publish-subscribe registry.
type Hub struct {
	mu       sync.RWMutex
	refs     *atomicRef
	bindings map[Ref]*hubBinding
	// topic -> context -> ordered ids
	index map[string]map[string][]Ref
}

func NewHub() *Hub {
	return &Hub{
		refs:     newAtomicRef(),
		bindings: make(map[Ref]*hubBinding),
		index:    make(map[string]map[string][]Ref),
	}
}

// events is the process-wide hub used by the WebSockets transport.
var events = NewHub()

func (h *Hub) Subscribe(s Subscription) Ref {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.refs.nextRef()
	h.bindings[id] = &hubBinding{
		id:      id,
		topic:   s.Topic,
		context: s.Context,
		handler: s.Handler,
	}
	contexts, ok := h.index[s.Topic]
	if !ok {
		contexts = make(map[string][]Ref)
		h.index[s.Topic] = contexts
	}
	contexts[s.Context] = append(contexts[s.Context], id)
	return id
}

// Unsubscribe removes the handler with the given id. It reports whether anything was removed.
func (h *Hub) Unsubscribe(id Ref) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.removeLocked(id)
}

// UnsubscribeTopic removes every handler of topic in exactly context.
func (h *Hub) UnsubscribeTopic(topic, context string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := append([]Ref(nil), h.index[topic][context]...)
	for _, id := range ids {
		h.removeLocked(id)
	}
	return len(ids)
}

// UnsubscribeContextTree removes every handler, of any topic, in context or any of its descendants.
func (h *Hub) UnsubscribeContextTree(context string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := h.contextTreeRefsLocked(context)
	for _, id := range ids {
		h.removeLocked(id)
	}
	return len(ids)
}

func (h *Hub) contextTreeRefs(context string) []Ref {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.contextTreeRefsLocked(context)
}

func (h *Hub) contextTreeRefsLocked(context string) []Ref {
	var ids []Ref
	for id, b := range h.bindings {
		if b.context == context || isNested(b.context, context) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of handlers of topic in exactly context.
func (h *Hub) Count(topic, context string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.index[topic][context])
}

func (h *Hub) Publish(p Publication) {
	h.mu.RLock()
	contexts := h.index[p.Topic]
	targets := append([]Ref(nil), contexts[p.Context]...)
	if p.Propagation {
		var nested []string
		for ctx := range contexts {
			if isNested(ctx, p.Context) {
				nested = append(nested, ctx)
			}
		}
		sort.Strings(nested)
		for _, ctx := range nested {
			targets = append(targets, contexts[ctx]...)
		}
	}
	if p.Global && p.Context != "" {
		targets = append(targets, contexts[""]...)
	}
	h.mu.RUnlock()

	for _, id := range targets {
		h.mu.RLock()
		b, ok := h.bindings[id]
		h.mu.RUnlock()
		if !ok {
			// removed by an earlier handler of this publish
			continue
		}
		b.handler(p.Topic, p.Data)
	}
}

// isNested reports whether ctx lies strictly below parent.
func isNested(ctx, parent string) bool {
	if parent == "" {
		return ctx != ""
	}
	return strings.HasPrefix(ctx, parent+"/")
}

func (h *Hub) removeLocked(id Ref) bool {
	b, ok := h.bindings[id]
	if !ok {
		return false
	}
	delete(h.bindings, id)

	contexts := h.index[b.topic]
	ids := contexts[b.context]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(contexts, b.context)
	} else {
		contexts[b.context] = ids
	}
	if len(contexts) == 0 {
		delete(h.index, b.topic)
	}
	return true
}
