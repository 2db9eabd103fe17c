package wlclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrRegistryNotReady reports a lookup before the discovery roundtrip.
	ErrRegistryNotReady = errors.New("registry not discovered yet")
	// ErrInterfaceNotFound reports that no global advertises the interface.
	ErrInterfaceNotFound = errors.New("interface not advertised")
	// ErrVersionMismatch reports a global advertised at another version.
	ErrVersionMismatch = errors.New("interface version mismatch")
)

// wl_registry
const (
	registryRequestBind = 0

	registryEventGlobal       = 0
	registryEventGlobalRemove = 1
)

// Global represents a global object
type Global struct {
	Name      uint32
	Interface string
	Version   uint32
}

// GlobalHandler is called when a global is announced
type GlobalHandler func(global Global)

type bindKey struct {
	iface   string
	version uint32
}

// Registry represents the global registry
type Registry struct {
	id      uint32
	display *Display

	mu       sync.RWMutex
	globals  map[uint32]Global
	ready    bool
	bound    map[bindKey]Proxy
	handlers []GlobalHandler
}

func newRegistry(d *Display, id uint32) *Registry {
	return &Registry{
		id:      id,
		display: d,
		globals: make(map[uint32]Global),
		bound:   make(map[bindKey]Proxy),
	}
}

// request sends wl_display.get_registry and installs the event listeners.
func (r *Registry) request() error {
	r.display.AddListener(r.id, registryEventGlobal, r.handleGlobal)
	r.display.AddListener(r.id, registryEventGlobalRemove, r.handleGlobalRemove)

	return r.display.SendRequest(displayID, displayRequestGetRegistry, NewID(r.id))
}

// ID returns the registry's object ID
func (r *Registry) ID() uint32 {
	return r.id
}

// Context returns the context of the registry's display.
func (r *Registry) Context() *Context {
	return r.display.context
}

// OnGlobal adds a handler called for every global announced from now on.
func (r *Registry) OnGlobal(handler GlobalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// Discover performs the roundtrip that collects the advertised globals.
// Lookups are only valid once it has returned without error.
func (r *Registry) Discover(ctx context.Context) error {
	if err := r.display.Roundtrip(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
	return nil
}

// Ready reports whether discovery has completed.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// handleGlobal handles global announcements
func (r *Registry) handleGlobal(event *Event) error {
	global := Global{
		Name:      event.Uint32(),
		Interface: event.String(),
		Version:   event.Uint32(),
	}
	if err := event.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.globals[global.Name] = global
	handlers := append([]GlobalHandler(nil), r.handlers...)
	r.mu.Unlock()

	for _, handler := range handlers {
		handler(global)
	}
	return nil
}

// handleGlobalRemove handles global removal
func (r *Registry) handleGlobalRemove(event *Event) error {
	name := event.Uint32()
	if err := event.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.globals, name)
	r.mu.Unlock()
	return nil
}

// Globals returns all announced globals ordered by name.
func (r *Registry) Globals() []Global {
	r.mu.RLock()
	defer r.mu.RUnlock()

	globals := make([]Global, 0, len(r.globals))
	for _, g := range r.globals {
		globals = append(globals, g)
	}
	sort.Slice(globals, func(i, j int) bool { return globals[i].Name < globals[j].Name })
	return globals
}

// FindGlobal finds a global by interface name
func (r *Registry) FindGlobal(iface string) (Global, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return Global{}, ErrRegistryNotReady
	}
	g, ok := r.findLocked(iface)
	if !ok {
		return Global{}, fmt.Errorf("%w: %s", ErrInterfaceNotFound, iface)
	}
	return g, nil
}

func (r *Registry) findLocked(iface string) (Global, bool) {
	var (
		found Global
		ok    bool
	)
	// Lowest name wins when an interface is advertised more than once
	for _, g := range r.globals {
		if g.Interface == iface && (!ok || g.Name < found.Name) {
			found, ok = g, true
		}
	}
	return found, ok
}

// BindExact binds proxy to the global advertising iface at exactly version.
//
// Binding the same interface and version again returns the proxy bound the
// first time and sends nothing.
func (r *Registry) BindExact(iface string, version uint32, proxy Proxy) (Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready {
		return nil, ErrRegistryNotReady
	}

	key := bindKey{iface: iface, version: version}
	if bound, ok := r.bound[key]; ok {
		return bound, nil
	}

	global, ok := r.findLocked(iface)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, iface)
	}
	if global.Version != version {
		return nil, fmt.Errorf("%w: %s advertised at version %d, need %d",
			ErrVersionMismatch, iface, global.Version, version)
	}

	if proxy.ID() == 0 {
		proxy.SetID(r.display.allocateID())
	}
	if proxy.Context() == nil {
		setter, ok := proxy.(interface{ SetContext(*Context) })
		if !ok {
			return nil, fmt.Errorf("proxy %T has no context and can't set it", proxy)
		}
		setter.SetContext(r.display.context)
	}

	// Register the proxy before the compositor can address it
	proxy.Context().Register(proxy)

	// new_id without a fixed interface: name, interface, version, id
	if err := r.display.SendRequest(r.id, registryRequestBind,
		global.Name, iface, version, NewID(proxy.ID())); err != nil {
		proxy.Context().Unregister(proxy)
		return nil, err
	}

	r.display.logger.Debug("bound global", "interface", iface, "version", version,
		"name", global.Name, "id", proxy.ID())
	r.bound[key] = proxy
	return proxy, nil
}
