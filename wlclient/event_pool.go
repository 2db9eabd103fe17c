package wlclient

import (
	"sync"
)

// Event pool so dispatch does not allocate per message
var eventPool = sync.Pool{
	New: func() interface{} {
		return &Event{
			data: make([]byte, 0, maxMessageSize),
		}
	},
}

// EventHandler handles one event. Returning an error breaks the connection.
type EventHandler func(event *Event) error

// EventDispatcher routes events by object id: to a per-opcode handler when
// one is registered, otherwise to the object's proxy.
type EventDispatcher struct {
	mu      sync.RWMutex
	entries map[uint32]*handlerEntry
}

// handlerEntry stores handlers for a specific object
type handlerEntry struct {
	proxy    Proxy
	handlers map[uint16]EventHandler
}

// NewEventDispatcher creates an empty dispatcher
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{entries: make(map[uint32]*handlerEntry)}
}

func (d *EventDispatcher) entry(objectID uint32) *handlerEntry {
	e, ok := d.entries[objectID]
	if !ok {
		e = &handlerEntry{}
		d.entries[objectID] = e
	}
	return e
}

// RegisterProxy routes all events for proxy's id to proxy.Dispatch.
func (d *EventDispatcher) RegisterProxy(proxy Proxy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entry(proxy.ID()).proxy = proxy
}

// RegisterHandler registers an event handler for one opcode of one object
func (d *EventDispatcher) RegisterHandler(objectID uint32, opcode uint16, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entry(objectID)
	if e.handlers == nil {
		e.handlers = make(map[uint16]EventHandler)
	}
	e.handlers[opcode] = handler
}

// Unregister drops every route for objectID.
func (d *EventDispatcher) Unregister(objectID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, objectID)
}

// Registered reports whether objectID has any route.
func (d *EventDispatcher) Registered(objectID uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[objectID]
	return ok
}

// Dispatch delivers one event. handled is false when nothing is registered
// for the object or the opcode.
func (d *EventDispatcher) Dispatch(objectID uint32, opcode uint16, data []byte) (handled bool, err error) {
	d.mu.RLock()
	var (
		handler EventHandler
		proxy   Proxy
	)
	if e, ok := d.entries[objectID]; ok {
		handler = e.handlers[opcode]
		proxy = e.proxy
	}
	d.mu.RUnlock()

	if handler == nil && proxy == nil {
		return false, nil
	}

	event := eventPool.Get().(*Event)
	event.ProxyID = objectID
	event.Opcode = opcode
	event.data = append(event.data[:0], data...) // Reuse backing array
	event.offset = 0
	event.err = nil
	defer eventPool.Put(event)

	if handler != nil {
		return true, handler(event)
	}
	return true, proxy.Dispatch(event)
}
