package p2p

import (
	"fmt"
	"sync"

	"github.com/0xphantomotr/ndchat/pkg/types"
)

// Dispatcher fans messages and lifecycle notices out to the registered
// handlers. After Close no handler runs again.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []HandlerFunc
	closed   bool
}

func NewDispatcher(handlers ...HandlerFunc) *Dispatcher {
	d := &Dispatcher{}
	for _, h := range handlers {
		if h != nil {
			d.handlers = append(d.handlers, h)
		}
	}
	return d
}

func (d *Dispatcher) Register(handler HandlerFunc) {
	if handler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Deliver runs every handler in registration order on the calling goroutine.
// No lock is held while a handler runs, so handlers may call Register or
// Close.
func (d *Dispatcher) Deliver(msg types.ChatMessage, sender *types.Host) {
	d.mu.RLock()
	handlers := d.handlers
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return
	}
	for _, h := range handlers {
		if d.isClosed() {
			return
		}
		h(msg, sender)
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Dispatcher) PeerJoined(host types.Host) {
	d.Deliver(types.NewNotice(fmt.Sprintf("%s joined the chat", host.Name)), nil)
}

func (d *Dispatcher) PeerLeft(host types.Host) {
	d.Deliver(types.NewNotice(fmt.Sprintf("%s left the chat", host.Name)), nil)
}

// Close stops later deliveries. It does not wait for handlers already
// running; a delivery in progress skips the handlers it has not reached yet.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
