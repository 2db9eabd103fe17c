// Package wltest runs an in-process compositor that speaks enough of the
// Wayland wire protocol to serve wl_registry and next_control_v1 clients.
package wltest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/bnema/nextctl/nextcontrol"
	"github.com/bnema/nextctl/wlclient"
)

// Request names as they appear in Requests and HangUpOn.
const (
	RequestSync        = "wl_display.sync"
	RequestGetRegistry = "wl_display.get_registry"
	RequestBind        = "wl_registry.bind"
	RequestAddArgument = "next_control_v1.add_argument"
	RequestRunCommand  = "next_control_v1.run_command"
	RequestDestroy     = "next_control_v1.destroy"
)

// CommandFunc runs one compositor command. A returned error becomes the
// failure message.
type CommandFunc func(args []string) (string, error)

// Config describes what the compositor advertises and how it answers.
type Config struct {
	// Globals advertised on every registry, names assigned in order.
	// Nil means next_control_v1 at version 1.
	Globals []Global
	// Commands by first argument.
	Commands map[string]CommandFunc
	// HangUpOn closes the connection right after receiving this request.
	HangUpOn string
	// SkipDeleteID leaves destroyed callback ids alive on the client.
	SkipDeleteID bool
}

// Global is one advertised interface.
type Global struct {
	Interface string
	Version   uint32
}

// Request is one request the compositor received.
type Request struct {
	Name string
	Args []string
}

// Server is a compositor listening on a unix socket in a private directory.
type Server struct {
	// Dir is the runtime directory holding the socket.
	Dir string
	// Name is the socket name inside Dir.
	Name string

	cfg      Config
	listener *net.UnixListener

	mu       sync.Mutex
	requests []Request
	errs     []error

	wg sync.WaitGroup
}

// Start starts a compositor and stops it when the test ends.
func Start(t testing.TB, cfg Config) *Server {
	t.Helper()

	if cfg.Globals == nil {
		cfg.Globals = []Global{{Interface: nextcontrol.ControlInterface, Version: nextcontrol.ControlVersion}}
	}

	// Short path: sun_path is limited to 108 bytes.
	dir, err := os.MkdirTemp("", "wlt")
	if err != nil {
		t.Fatalf("create runtime dir: %v", err)
	}

	s := &Server{Dir: dir, Name: "wayland-test", cfg: cfg}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: filepath.Join(dir, s.Name), Net: "unix"})
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(func() {
		s.Close()
		for _, err := range s.Errors() {
			t.Errorf("compositor: %v", err)
		}
	})
	return s
}

// Setenv points the Wayland environment of t at this compositor.
func (s *Server) Setenv(t testing.TB) {
	t.Helper()
	t.Setenv("WAYLAND_SOCKET", "")
	t.Setenv("XDG_RUNTIME_DIR", s.Dir)
	t.Setenv("WAYLAND_DISPLAY", s.Name)
}

// Path returns the socket path.
func (s *Server) Path() string {
	return filepath.Join(s.Dir, s.Name)
}

// Close stops accepting, waits for open connections and removes the socket.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.wg.Wait()
	_ = os.RemoveAll(s.Dir)
}

// Requests returns every request received so far, in order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests named name were received.
func (s *Server) Count(name string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Name == name {
			n++
		}
	}
	return n
}

// Arguments returns the add_argument payloads in arrival order.
func (s *Server) Arguments() []string {
	var args []string
	for _, r := range s.Requests() {
		if r.Name == RequestAddArgument {
			args = append(args, r.Args...)
		}
	}
	return args
}

// Errors returns protocol errors the compositor detected in client traffic.
func (s *Server) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *Server) record(r Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
}

func (s *Server) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			return
		}
		s.Serve(conn)
	}
}

// Serve handles an already connected client, such as one end of a
// socketpair handed over through WAYLAND_SOCKET.
func (s *Server) Serve(conn *net.UnixConn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		c := &client{server: s, conn: conn, objects: map[uint32]string{1: "wl_display"}}
		if err := c.run(); err != nil {
			s.fail(err)
		}
	}()
}

// errHangUp ends a connection on purpose.
var errHangUp = errors.New("hang up")

// clientGone reports errors caused by the client closing its end, which it
// does as soon as it has what it waited for.
func clientGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

type client struct {
	server  *Server
	conn    *net.UnixConn
	objects map[uint32]string
	pending []string
}

func (c *client) run() error {
	var header [8]byte
	for {
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			if clientGone(err) {
				return nil
			}
			return fmt.Errorf("read header: %w", err)
		}
		objectID, opcode, size := wlclient.DecodeHeader(header[:])
		if size < 8 {
			return fmt.Errorf("invalid size %d", size)
		}
		body := make([]byte, size-8)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return fmt.Errorf("read body: %w", err)
		}

		err := c.handle(wlclient.NewEvent(objectID, opcode, body))
		if errors.Is(err, errHangUp) || clientGone(err) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *client) send(objectID uint32, opcode uint16, args ...interface{}) error {
	msg, err := wlclient.EncodeMessage(objectID, opcode, args...)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(msg)
	return err
}

func (c *client) deleteID(id uint32) error {
	delete(c.objects, id)
	if c.server.cfg.SkipDeleteID {
		return nil
	}
	return c.send(1, 1, id)
}

func (c *client) handle(req *wlclient.Event) error {
	iface, ok := c.objects[req.ProxyID]
	if !ok {
		return fmt.Errorf("request %d for unknown object %d", req.Opcode, req.ProxyID)
	}

	var r Request
	switch {
	case iface == "wl_display" && req.Opcode == 0:
		r.Name = RequestSync
	case iface == "wl_display" && req.Opcode == 1:
		r.Name = RequestGetRegistry
	case iface == "wl_registry" && req.Opcode == 0:
		r.Name = RequestBind
	case iface == nextcontrol.ControlInterface && req.Opcode == 0:
		r.Name = RequestDestroy
	case iface == nextcontrol.ControlInterface && req.Opcode == 1:
		r.Name = RequestAddArgument
	case iface == nextcontrol.ControlInterface && req.Opcode == 2:
		r.Name = RequestRunCommand
	default:
		return fmt.Errorf("unknown request %s.%d", iface, req.Opcode)
	}

	switch r.Name {
	case RequestSync:
		callback := req.NewID()
		if err := req.Err(); err != nil {
			return err
		}
		c.server.record(r)
		if c.server.cfg.HangUpOn == r.Name {
			return errHangUp
		}
		if err := c.send(callback, 0, uint32(0)); err != nil {
			return err
		}
		return c.deleteID(callback)

	case RequestGetRegistry:
		registry := req.NewID()
		if err := req.Err(); err != nil {
			return err
		}
		c.server.record(r)
		if c.server.cfg.HangUpOn == r.Name {
			return errHangUp
		}
		c.objects[registry] = "wl_registry"
		for i, g := range c.server.cfg.Globals {
			if err := c.send(registry, 0, uint32(i+1), g.Interface, g.Version); err != nil {
				return err
			}
		}
		return nil

	case RequestBind:
		name := req.Uint32()
		iface := req.String()
		version := req.Uint32()
		id := req.NewID()
		if err := req.Err(); err != nil {
			return err
		}
		r.Args = []string{iface, fmt.Sprint(version)}
		c.server.record(r)
		if c.server.cfg.HangUpOn == r.Name {
			return errHangUp
		}
		if name == 0 || int(name) > len(c.server.cfg.Globals) {
			return fmt.Errorf("bind to unknown global %d", name)
		}
		g := c.server.cfg.Globals[name-1]
		if g.Interface != iface || version > g.Version {
			return fmt.Errorf("bind %s v%d does not match global %s v%d", iface, version, g.Interface, g.Version)
		}
		c.objects[id] = iface
		return nil

	case RequestAddArgument:
		arg := req.String()
		if err := req.Err(); err != nil {
			return err
		}
		r.Args = []string{arg}
		c.server.record(r)
		if c.server.cfg.HangUpOn == r.Name {
			return errHangUp
		}
		c.pending = append(c.pending, arg)
		return nil

	case RequestRunCommand:
		callback := req.NewID()
		if err := req.Err(); err != nil {
			return err
		}
		args := c.pending
		c.pending = nil
		r.Args = args
		c.server.record(r)
		if c.server.cfg.HangUpOn == r.Name {
			return errHangUp
		}
		c.objects[callback] = nextcontrol.CallbackInterface

		text, ok := c.server.run(args)
		opcode := uint16(0)
		if !ok {
			opcode = 1
		}
		if err := c.send(callback, opcode, text); err != nil {
			return err
		}
		return c.deleteID(callback)

	case RequestDestroy:
		c.server.record(r)
		return c.deleteID(req.ProxyID)
	}
	return nil
}

// run mirrors how the compositor treats a command line. ok is false when
// text is a failure message.
func (s *Server) run(args []string) (text string, ok bool) {
	if len(args) == 0 {
		return nextcontrol.FailureNoCommand, false
	}
	cmd, found := s.cfg.Commands[args[0]]
	if !found {
		return nextcontrol.FailureUnknownCommand, false
	}
	output, err := cmd(args[1:])
	if err != nil {
		return err.Error() + "\n", false
	}
	return output, true
}
