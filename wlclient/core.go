package wlclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// Context is the handle protocol objects use to reach their display.
type Context struct {
	display *Display
	closed  atomic.Bool
}

// Proxy interface for Wayland protocol objects
type Proxy interface {
	Object
	SetID(uint32)
	Context() *Context
	Dispatch(*Event) error
}

// BaseProxy provides base implementation for protocol objects
type BaseProxy struct {
	id      uint32
	context *Context
}

// Event is one decoded wire message. Accessors read arguments in order;
// the first malformed read is kept and reported by Err.
//
// Events handed to handlers are pooled and must not be retained.
type Event struct {
	ProxyID uint32
	Opcode  uint16
	data    []byte
	offset  int
	err     error
}

// NewEvent wraps a message body for decoding.
func NewEvent(objectID uint32, opcode uint16, body []byte) *Event {
	return &Event{ProxyID: objectID, Opcode: opcode, data: body}
}

// Err reports the first decoding failure.
func (e *Event) Err() error {
	return e.err
}

func (e *Event) short(what string) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: object %d opcode %d: truncated %s at offset %d",
			ErrProtocol, e.ProxyID, e.Opcode, what, e.offset)
	}
}

// NewContext creates a new context from a display
func NewContext(display *Display) *Context {
	return &Context{
		display: display,
	}
}

// SendRequest sends a request through the context
func (c *Context) SendRequest(proxy Proxy, opcode uint16, args ...interface{}) error {
	if c.closed.Load() {
		return errors.New("context is closed")
	}
	return c.display.SendRequest(proxy.ID(), opcode, args...)
}

// Register routes events for proxy's id to proxy.Dispatch.
func (c *Context) Register(proxy Proxy) {
	if proxy != nil && proxy.ID() != 0 {
		c.display.dispatcher.RegisterProxy(proxy)
	}
}

// Unregister removes a proxy object
func (c *Context) Unregister(proxy Proxy) {
	if proxy != nil {
		c.display.dispatcher.Unregister(proxy.ID())
	}
}

// AllocateID allocates a new object ID
func (c *Context) AllocateID() uint32 {
	return c.display.allocateID()
}

// BaseProxy methods

// ID returns the proxy's object ID
func (p *BaseProxy) ID() uint32 {
	return p.id
}

// SetID sets the proxy's object ID
func (p *BaseProxy) SetID(id uint32) {
	p.id = id
}

// Context returns the proxy's context
func (p *BaseProxy) Context() *Context {
	return p.context
}

// SetContext sets the proxy's context
func (p *BaseProxy) SetContext(ctx *Context) {
	p.context = ctx
}

// Dispatch rejects every event; objects with events override it.
func (p *BaseProxy) Dispatch(event *Event) error {
	return fmt.Errorf("%w: object %d has no event %d", ErrProtocol, p.id, event.Opcode)
}

// Event methods for extracting data

// Uint32 reads a uint32 from the event
func (e *Event) Uint32() uint32 {
	if e.offset+4 > len(e.data) {
		e.short("uint32")
		return 0
	}
	val := binary.LittleEndian.Uint32(e.data[e.offset:])
	e.offset += 4
	return val
}

// String reads a string from the event. A zero length is a null string.
func (e *Event) String() string {
	strlen := e.Uint32()
	if e.err != nil || strlen == 0 {
		return ""
	}
	if uint64(strlen) > uint64(len(e.data)-e.offset) {
		e.short("string")
		return ""
	}
	padded := int(strlen) + (4-int(strlen)%4)%4
	if e.offset+padded > len(e.data) {
		e.short("string")
		return ""
	}
	// String includes null terminator in length
	raw := e.data[e.offset : e.offset+int(strlen)]
	if raw[len(raw)-1] != 0 {
		if e.err == nil {
			e.err = fmt.Errorf("%w: object %d opcode %d: string not NUL-terminated",
				ErrProtocol, e.ProxyID, e.Opcode)
		}
		return ""
	}
	e.offset += padded
	return string(raw[:len(raw)-1])
}

// Array reads a byte array from the event
func (e *Event) Array() []byte {
	arrlen := e.Uint32()
	if e.err != nil {
		return nil
	}
	if uint64(arrlen) > uint64(len(e.data)-e.offset) {
		e.short("array")
		return nil
	}
	padded := int(arrlen) + (4-int(arrlen)%4)%4
	if e.offset+padded > len(e.data) {
		e.short("array")
		return nil
	}
	arr := make([]byte, arrlen)
	copy(arr, e.data[e.offset:e.offset+int(arrlen)])
	e.offset += padded
	return arr
}

// NewID reads a new object ID from the event
func (e *Event) NewID() uint32 {
	return e.Uint32()
}

// Callback represents a wl_callback
type Callback struct {
	BaseProxy
	done bool
}

// Done reports whether the done event has arrived.
func (c *Callback) Done() bool {
	return c.done
}

// Dispatch handles callback events (opcode 0 = done)
func (c *Callback) Dispatch(event *Event) error {
	if event.Opcode != 0 {
		return c.BaseProxy.Dispatch(event)
	}
	_ = event.Uint32() // serial
	if err := event.Err(); err != nil {
		return err
	}
	c.done = true
	// wl_callback is destroyed by the compositor after done
	c.context.Unregister(c)
	return nil
}
