// Package session runs one control command against the compositor: connect,
// discover, bind next_control_v1, send the command and wait for its result.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bnema/nextctl/nextcontrol"
	"github.com/bnema/nextctl/wlclient"
)

// State is a step of the session lifecycle.
type State int

const (
	StateInit State = iota
	StateConnected
	StateRegistered
	StateBound
	StateRequested
	StateCompleted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateBound:
		return "bound"
	case StateRequested:
		return "requested"
	case StateCompleted:
		return "completed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error reports the transition that failed.
type Error struct {
	// Stage is the state the session failed to reach.
	Stage State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reach %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options configures a session.
type Options struct {
	// Display overrides the Wayland display name. Empty uses the environment.
	Display string
	Logger  *slog.Logger
}

// Session is a one-shot command exchange. It is not reusable.
type Session struct {
	opts    Options
	logger  *slog.Logger
	state   State
	display *wlclient.Display
	control *nextcontrol.Control
}

// New creates a session in StateInit.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{opts: opts, logger: logger.With("component", "session")}
}

// Run executes args as one compositor command.
func Run(ctx context.Context, args []string, opts Options) (nextcontrol.Result, error) {
	return New(opts).Run(ctx, args)
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Run drives the session to StateTerminated. A remote failure is a Result,
// not an error.
func (s *Session) Run(ctx context.Context, args []string) (nextcontrol.Result, error) {
	if s.state != StateInit {
		return nil, fmt.Errorf("session already ran (state %s)", s.state)
	}
	defer s.terminate()

	if err := s.connect(); err != nil {
		return nil, err
	}
	if err := s.discover(ctx); err != nil {
		return nil, err
	}
	if err := s.bind(); err != nil {
		return nil, err
	}
	callback, err := s.request(args)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, callback)
}

func (s *Session) advance(next State) {
	s.logger.Debug("session transition", "from", s.state, "to", next)
	s.state = next
}

func (s *Session) fail(stage State, err error) error {
	s.logger.Error("session failed", "stage", stage, "error", err)
	return &Error{Stage: stage, Err: err}
}

func (s *Session) connect() error {
	display, err := wlclient.Connect(s.opts.Display)
	if err != nil {
		return s.fail(StateConnected, err)
	}
	display.SetLogger(s.opts.Logger)
	s.display = display
	s.advance(StateConnected)
	return nil
}

func (s *Session) discover(ctx context.Context) error {
	registry := s.display.Registry()
	registry.OnGlobal(func(g wlclient.Global) {
		s.logger.Debug("global advertised", "interface", g.Interface, "version", g.Version, "name", g.Name)
	})
	if err := registry.Discover(ctx); err != nil {
		return s.fail(StateRegistered, err)
	}
	s.advance(StateRegistered)
	return nil
}

func (s *Session) bind() error {
	control, err := nextcontrol.Bind(s.display.Registry())
	if err != nil {
		return s.fail(StateBound, err)
	}
	s.control = control
	s.advance(StateBound)
	return nil
}

// request queues every argument before run_command; the compositor takes
// the list as it stands when run_command arrives.
func (s *Session) request(args []string) (*nextcontrol.CommandCallback, error) {
	for _, arg := range args {
		if err := s.control.AddArgument(arg); err != nil {
			return nil, s.fail(StateRequested, err)
		}
	}
	callback, err := s.control.RunCommand()
	if err != nil {
		return nil, s.fail(StateRequested, err)
	}
	s.logger.Debug("command sent", "args", len(args), "callback", callback.ID())
	s.advance(StateRequested)
	return callback, nil
}

func (s *Session) await(ctx context.Context, callback *nextcontrol.CommandCallback) (nextcontrol.Result, error) {
	if err := s.display.Roundtrip(ctx); err != nil {
		return nil, s.fail(StateCompleted, err)
	}
	result, ok := callback.Result()
	if !ok {
		return nil, s.fail(StateCompleted, fmt.Errorf("%w: roundtrip finished without a %s event",
			wlclient.ErrProtocol, nextcontrol.CallbackInterface))
	}
	s.advance(StateCompleted)

	switch r := result.(type) {
	case nextcontrol.Success:
		s.logger.Info("command succeeded", "output_bytes", len(r.Output))
	case nextcontrol.Failure:
		s.logger.Info("command failed", "message", r.Message)
	}
	return result, nil
}

func (s *Session) terminate() {
	if s.display != nil {
		if err := s.display.Close(); err != nil {
			s.logger.Debug("close display", "error", err)
		}
	}
	s.advance(StateTerminated)
}
