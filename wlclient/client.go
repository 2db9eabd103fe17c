// Package wlclient is a small pure-Go Wayland client.
//
// It covers what a one-shot protocol client needs: connecting to the
// compositor socket, allocating object ids, encoding requests, decoding and
// dispatching events, wl_display.sync roundtrips and the wl_registry.
package wlclient

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	// ErrConnect reports that no compositor socket could be opened.
	ErrConnect = errors.New("cannot connect to wayland display")
	// ErrDispatch reports a broken channel or a fatal event while dispatching.
	ErrDispatch = errors.New("wayland dispatch failed")
	// ErrProtocol reports a malformed or unexpected message.
	ErrProtocol = errors.New("wayland protocol error")
)

// Messages larger than this are rejected by libwayland peers.
const maxMessageSize = 4096

const headerSize = 8

// wl_display
const (
	displayID uint32 = 1

	displayRequestSync        = 0
	displayRequestGetRegistry = 1

	displayEventError    = 0
	displayEventDeleteID = 1
)

// Pre-allocated buffer pool for request encoding
var bufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// Object represents a Wayland object
type Object interface {
	ID() uint32
}

// NewID is a new_id request argument. It encodes like an object id and
// exists so call sites read like the protocol description.
type NewID uint32

// Display represents a connection to the Wayland display
type Display struct {
	conn   *net.UnixConn
	nextID uint32
	sendMu sync.Mutex
	recvMu sync.Mutex

	dispatcher *EventDispatcher
	registry   *Registry
	context    *Context
	logger     *slog.Logger

	// First fatal error; every later call returns it.
	errMu sync.Mutex
	err   error

	// Reusable read buffer for header
	headerBuf [headerSize]byte

	// Pre-allocated buffer for event bodies
	eventBodyBuf [maxMessageSize]byte
}

// Connect connects to the Wayland display.
//
// An empty name follows libwayland: an inherited WAYLAND_SOCKET is adopted
// first, then WAYLAND_DISPLAY, then "wayland-0". Relative names are resolved
// against XDG_RUNTIME_DIR.
func Connect(name string) (*Display, error) {
	conn, err := dial(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	d, err := newDisplay(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return d, nil
}

// SocketPath resolves a display name to the compositor socket path.
func SocketPath(name string) (string, error) {
	if name == "" {
		name = os.Getenv("WAYLAND_DISPLAY")
		if name == "" {
			name = "wayland-0"
		}
	}
	if filepath.IsAbs(name) {
		return name, nil
	}

	runDir := os.Getenv("XDG_RUNTIME_DIR")
	if runDir == "" {
		return "", errors.New("XDG_RUNTIME_DIR not set")
	}
	return filepath.Join(runDir, name), nil
}

func dial(name string) (*net.UnixConn, error) {
	if name == "" {
		if fdStr := strings.TrimSpace(os.Getenv("WAYLAND_SOCKET")); fdStr != "" {
			return adoptSocket(fdStr)
		}
	}

	path, err := SocketPath(name)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}

// adoptSocket takes over a connected socket passed by the parent process.
func adoptSocket(fdStr string) (*net.UnixConn, error) {
	fd, err := strconv.Atoi(fdStr)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid WAYLAND_SOCKET %q", fdStr)
	}
	// The fd must not leak into children and must not be adopted twice.
	_ = os.Unsetenv("WAYLAND_SOCKET")
	unix.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), "wayland-socket")
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("adopt WAYLAND_SOCKET %d: %w", fd, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("WAYLAND_SOCKET %d is not a unix socket", fd)
	}
	return uc, nil
}

func newDisplay(conn *net.UnixConn) (*Display, error) {
	d := &Display{
		conn:       conn,
		nextID:     2, // 1 is reserved for wl_display
		dispatcher: NewEventDispatcher(),
		logger:     slog.New(slog.DiscardHandler),
	}
	d.context = NewContext(d)

	d.registry = newRegistry(d, d.allocateID())
	if err := d.registry.request(); err != nil {
		return nil, fmt.Errorf("failed to get registry: %w", err)
	}

	// No roundtrip here; the caller discovers globals when it is ready.
	return d, nil
}

// SetLogger routes wire-level debug records to logger.
func (d *Display) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d.logger = logger.With("component", "wlclient")
}

// Close closes the display connection
func (d *Display) Close() error {
	d.context.closed.Store(true)
	return d.conn.Close()
}

// ID returns the display's object ID (always 1)
func (d *Display) ID() uint32 {
	return displayID
}

// Context returns the context proxies use to reach this display.
func (d *Display) Context() *Context {
	return d.context
}

// Registry returns the global registry
func (d *Display) Registry() *Registry {
	return d.registry
}

// Err returns the fatal error that broke the connection, if any.
func (d *Display) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

func (d *Display) fail(err error) error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.err == nil {
		d.err = err
	}
	return d.err
}

// AddListener registers a handler for one event of one object.
func (d *Display) AddListener(objectID uint32, opcode uint16, handler EventHandler) {
	d.dispatcher.RegisterHandler(objectID, opcode, handler)
}

// allocateID allocates a new object ID
func (d *Display) allocateID() uint32 {
	return atomic.AddUint32(&d.nextID, 1) - 1
}

// AllocateID allocates a new object ID (public method)
func (d *Display) AllocateID() uint32 {
	return d.allocateID()
}

// SendRequest sends a request to the compositor
func (d *Display) SendRequest(objectID uint32, opcode uint16, args ...interface{}) error {
	if err := d.Err(); err != nil {
		return err
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	if err := encodeMessage(buf, objectID, opcode, args...); err != nil {
		return err
	}

	d.logger.Debug("send request", "object", objectID, "opcode", opcode, "size", buf.Len())
	if err := d.sendmsg(buf.Bytes()); err != nil {
		return d.fail(fmt.Errorf("%w: write: %w", ErrDispatch, err))
	}
	return nil
}

// EncodeMessage encodes one wire message with its header.
func EncodeMessage(objectID uint32, opcode uint16, args ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeMessage(&buf, objectID, opcode, args...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeMessage(buf *bytes.Buffer, objectID uint32, opcode uint16, args ...interface{}) error {
	// Header placeholder, patched once the size is known
	var header [headerSize]byte
	_, _ = buf.Write(header[:])

	for _, arg := range args {
		if err := marshalArg(buf, arg); err != nil {
			return fmt.Errorf("failed to marshal argument: %w", err)
		}
	}

	size := buf.Len()
	if size > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", size)
	}

	// Upper 16 bits = size, lower 16 bits = opcode
	data := buf.Bytes()
	binary.LittleEndian.PutUint32(data[0:4], objectID)
	binary.LittleEndian.PutUint32(data[4:8], uint32(size)<<16|uint32(opcode))
	return nil
}

// marshalArg marshals a single argument
func marshalArg(buf *bytes.Buffer, arg interface{}) error {
	switch v := arg.(type) {
	case uint32:
		return binary.Write(buf, binary.LittleEndian, v)
	case int32:
		return binary.Write(buf, binary.LittleEndian, v)
	case NewID:
		return binary.Write(buf, binary.LittleEndian, uint32(v))
	case string:
		// length (including NUL) + bytes + NUL + padding
		if strings.IndexByte(v, 0) >= 0 {
			return errors.New("string contains NUL byte")
		}
		strlen := len(v) + 1
		if err := binary.Write(buf, binary.LittleEndian, uint32(strlen)); err != nil {
			return err
		}
		_, _ = buf.WriteString(v)
		_ = buf.WriteByte(0)
		writePadding(buf, strlen)
	case []byte:
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(v))); err != nil {
			return err
		}
		_, _ = buf.Write(v)
		writePadding(buf, len(v))
	case Object:
		if v != nil {
			return binary.Write(buf, binary.LittleEndian, v.ID())
		}
		return binary.Write(buf, binary.LittleEndian, uint32(0))
	case nil:
		// Null object
		return binary.Write(buf, binary.LittleEndian, uint32(0))
	default:
		return fmt.Errorf("unsupported argument type: %T", arg)
	}
	return nil
}

func writePadding(buf *bytes.Buffer, n int) {
	for i := 0; i < (4-n%4)%4; i++ {
		_ = buf.WriteByte(0)
	}
}

// DecodeHeader splits a wire header into object id, opcode and total size.
func DecodeHeader(header []byte) (objectID uint32, opcode uint16, size uint32) {
	objectID = binary.LittleEndian.Uint32(header[0:4])
	sizeOpcode := binary.LittleEndian.Uint32(header[4:8])
	return objectID, uint16(sizeOpcode & 0xffff), sizeOpcode >> 16
}

// Dispatch reads one event and dispatches it to its handler.
func (d *Display) Dispatch() error {
	if err := d.Err(); err != nil {
		return err
	}

	d.recvMu.Lock()
	defer d.recvMu.Unlock()

	if err := d.readFull(d.headerBuf[:]); err != nil {
		return d.fail(fmt.Errorf("%w: read header: %w", ErrDispatch, err))
	}

	objectID, opcode, size := DecodeHeader(d.headerBuf[:])
	if size < headerSize || size%4 != 0 || size > maxMessageSize {
		return d.fail(fmt.Errorf("%w: %w: invalid message size %d", ErrDispatch, ErrProtocol, size))
	}

	body := d.eventBodyBuf[:size-headerSize]
	if err := d.readFull(body); err != nil {
		return d.fail(fmt.Errorf("%w: read body: %w", ErrDispatch, err))
	}

	d.logger.Debug("receive event", "object", objectID, "opcode", opcode, "size", size)

	if objectID == displayID {
		if err := d.handleDisplayEvent(opcode, body); err != nil {
			return d.fail(fmt.Errorf("%w: %w", ErrDispatch, err))
		}
		return nil
	}

	handled, err := d.dispatcher.Dispatch(objectID, opcode, body)
	if err != nil {
		return d.fail(fmt.Errorf("%w: %w", ErrDispatch, err))
	}
	if !handled {
		return d.fail(fmt.Errorf("%w: %w: event %d for object %d has no handler",
			ErrDispatch, ErrProtocol, opcode, objectID))
	}
	return nil
}

// handleDisplayEvent handles events on the display object
func (d *Display) handleDisplayEvent(opcode uint16, data []byte) error {
	event := NewEvent(displayID, opcode, data)

	switch opcode {
	case displayEventError:
		objectID := event.Uint32()
		code := event.Uint32()
		message := event.String()
		if err := event.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: object %d, code %d: %s", ErrProtocol, objectID, code, message)

	case displayEventDeleteID:
		id := event.Uint32()
		if err := event.Err(); err != nil {
			return err
		}
		d.dispatcher.Unregister(id)
		return nil
	}

	return fmt.Errorf("%w: unknown wl_display event %d", ErrProtocol, opcode)
}

// Sync sends wl_display.sync and returns its callback.
func (d *Display) Sync() (*Callback, error) {
	callback := &Callback{
		BaseProxy: BaseProxy{
			id:      d.allocateID(),
			context: d.context,
		},
	}

	// Register before sending so the done event always finds it
	d.context.Register(callback)
	if err := d.SendRequest(displayID, displayRequestSync, NewID(callback.id)); err != nil {
		d.context.Unregister(callback)
		return nil, err
	}
	return callback, nil
}

// Roundtrip blocks until the compositor has processed every request sent so
// far and every event it sent in response has been dispatched.
//
// The wait is unbounded unless ctx carries a deadline or is cancelled.
func (d *Display) Roundtrip(ctx context.Context) error {
	callback, err := d.Sync()
	if err != nil {
		return err
	}

	stop := d.interruptOn(ctx)
	defer stop()

	for !callback.Done() {
		if err := d.Dispatch(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %w", ErrDispatch, ctxErr)
			}
			return err
		}
	}

	d.logger.Debug("roundtrip complete", "callback", callback.ID())
	return nil
}

// interruptOn unblocks a pending read once ctx is done.
func (d *Display) interruptOn(ctx context.Context) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	stopAfter := context.AfterFunc(ctx, func() {
		_ = d.conn.SetReadDeadline(aLongTimeAgo)
	})
	return func() { stopAfter() }
}

// readFull fills buf from the socket, closing any received descriptors.
func (d *Display) readFull(buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := d.recvmsg(buf[off:])
		if n == 0 && err == nil {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}
