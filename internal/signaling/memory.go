package signaling

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/workqueue"
)

// MemoryHub routes messages between endpoints in the same process. Each
// endpoint receives through its own ordered inbox, so a slow receiver never
// blocks a sender.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryEndpoint
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[string]*MemoryEndpoint)}
}

// Endpoint returns a new unattached Channel on the hub.
func (h *MemoryHub) Endpoint() *MemoryEndpoint {
	return &MemoryEndpoint{hub: h}
}

func (h *MemoryHub) Online(identity string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.endpoints[identity]
	return ok
}

// Kick drops identity from the hub as a relay failure would, reporting err to
// its handler.
func (h *MemoryHub) Kick(identity string, err error) {
	h.mu.Lock()
	ep := h.endpoints[identity]
	delete(h.endpoints, identity)
	h.mu.Unlock()
	if ep != nil {
		ep.detach(err, true)
	}
}

func (h *MemoryHub) register(identity string, ep *MemoryEndpoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[identity]; ok {
		return ErrAlreadyAttached
	}
	h.endpoints[identity] = ep
	return nil
}

func (h *MemoryHub) unregister(identity string, ep *MemoryEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[identity] == ep {
		delete(h.endpoints, identity)
	}
}

func (h *MemoryHub) lookup(identity string) *MemoryEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints[identity]
}

type MemoryEndpoint struct {
	hub *MemoryHub

	mu       sync.Mutex
	identity string
	handler  Handler
	inbox    *workqueue.Serial
}

func (e *MemoryEndpoint) Attach(identity string, h Handler) error {
	if identity == "" || h == nil {
		return ErrNotAttached
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inbox != nil {
		return ErrAlreadyAttached
	}
	if err := e.hub.register(identity, e); err != nil {
		return err
	}
	e.identity = identity
	e.handler = h
	e.inbox = workqueue.NewSerial(0)
	e.inbox.Submit(h.OnAttached)
	return nil
}

func (e *MemoryEndpoint) Detach(identity string) {
	e.mu.Lock()
	attached := e.inbox != nil && e.identity == identity
	e.mu.Unlock()
	if !attached {
		return
	}
	e.hub.unregister(identity, e)
	e.detach(nil, false)
}

func (e *MemoryEndpoint) Send(dest string, payload []byte) error {
	e.mu.Lock()
	from := e.identity
	attached := e.inbox != nil
	e.mu.Unlock()
	if !attached {
		return ErrNotAttached
	}

	target := e.hub.lookup(dest)
	if target == nil {
		return ErrPeerOffline
	}
	return target.deliver(from, append([]byte(nil), payload...))
}

func (e *MemoryEndpoint) deliver(from string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inbox == nil {
		return ErrPeerOffline
	}
	h := e.handler
	if !e.inbox.Submit(func() { h.OnMessage(from, payload) }) {
		return ErrPeerOffline
	}
	return nil
}

func (e *MemoryEndpoint) detach(err error, notify bool) {
	e.mu.Lock()
	inbox, h := e.inbox, e.handler
	e.inbox = nil
	e.handler = nil
	e.identity = ""
	e.mu.Unlock()
	if inbox == nil {
		return
	}
	if notify {
		inbox.Submit(func() { h.OnDetached(err) })
		inbox.Close()
		return
	}
	inbox.Stop()
}
