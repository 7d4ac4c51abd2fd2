// Package ws streams run lifecycle events to websocket subscribers.
package ws

import (
	"encoding/json"

	"github.com/substratehq/substrate/internal/service/orchestrator"
)

// AllStacks subscribes a client to every stack's events.
const AllStacks = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages run event subscriptions by stack name. All subscription
// state is owned by the run loop; callers talk to it over channels.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	stack   string
	payload []byte
}

type subscription struct {
	stack  string
	client Subscriber
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
	}
	go h.run()
	return h
}

var _ orchestrator.EventPublisher = (*Hub)(nil)

// PublishRun serializes the event and fans it out to the stack's
// subscribers and to wildcard watchers. Run processing never waits on a
// slow consumer.
func (h *Hub) PublishRun(event orchestrator.RunEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- message{stack: event.Stack, payload: payload}:
	default:
	}
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.stack]; !ok {
				h.clients[sub.stack] = make(map[Subscriber]struct{})
			}
			h.clients[sub.stack][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.stack]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.stack)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.stack, msg.payload)
			h.deliver(AllStacks, msg.payload)
		}
	}
}

func (h *Hub) deliver(key string, payload []byte) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// Register adds a client to a stack's stream. Use AllStacks to watch
// everything.
func (h *Hub) Register(stack string, client Subscriber) {
	h.register <- subscription{stack: stack, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(stack string, client Subscriber) {
	h.unreg <- subscription{stack: stack, client: client}
}
