// Package nextcontrol binds the next_control_v1 protocol: the compositor
// command interface and the callback that carries a command's result.
package nextcontrol

import (
	"errors"
	"fmt"

	"github.com/bnema/nextctl/wlclient"
)

const (
	// ControlInterface is the advertised global name.
	ControlInterface = "next_control_v1"
	// ControlVersion is the only version this binding speaks.
	ControlVersion uint32 = 1
	// CallbackInterface is the object created by run_command.
	CallbackInterface = "next_command_callback_v1"
)

// next_control_v1 requests
const (
	controlRequestDestroy     = 0
	controlRequestAddArgument = 1
	controlRequestRunCommand  = 2
)

// next_command_callback_v1 events
const (
	callbackEventSuccess = 0
	callbackEventFailure = 1
)

// Failure messages the compositor uses when it could not parse a command.
const (
	FailureNoCommand      = "No command provided\n"
	FailureUnknownCommand = "Unknown command\n"
)

// ErrCommandClosed reports use of a control object after run_command.
var ErrCommandClosed = errors.New("nextcontrol: command already sent")

// Result is the outcome of one command: Success or Failure.
type Result interface {
	isResult()
}

// Success carries the command output, usually newline-terminated.
type Success struct {
	Output string
}

// Failure carries the compositor's failure message.
type Failure struct {
	Message string
}

func (Success) isResult() {}
func (Failure) isResult() {}

// WantsUsage reports whether the compositor rejected the command line itself.
func (f Failure) WantsUsage() bool {
	return f.Message == FailureNoCommand || f.Message == FailureUnknownCommand
}

// Control represents a bound next_control_v1
type Control struct {
	wlclient.BaseProxy
	closed bool
}

// NewControl creates an unbound control proxy
func NewControl(ctx *wlclient.Context) *Control {
	c := &Control{}
	c.SetContext(ctx)
	return c
}

// Bind binds next_control_v1 at exactly ControlVersion.
func Bind(registry *wlclient.Registry) (*Control, error) {
	proxy, err := registry.BindExact(ControlInterface, ControlVersion, NewControl(registry.Context()))
	if err != nil {
		return nil, err
	}
	control, ok := proxy.(*Control)
	if !ok {
		return nil, fmt.Errorf("%s already bound to %T", ControlInterface, proxy)
	}
	return control, nil
}

// AddArgument appends one argument to the pending command.
func (c *Control) AddArgument(arg string) error {
	if c.closed {
		return ErrCommandClosed
	}
	return c.Context().SendRequest(c, controlRequestAddArgument, arg)
}

// RunCommand sends the pending arguments as one command. No arguments may be
// added afterwards.
func (c *Control) RunCommand() (*CommandCallback, error) {
	if c.closed {
		return nil, ErrCommandClosed
	}

	callback := &CommandCallback{result: make(chan Result, 1)}
	callback.SetContext(c.Context())
	callback.SetID(c.Context().AllocateID())

	c.Context().Register(callback)
	if err := c.Context().SendRequest(c, controlRequestRunCommand, wlclient.NewID(callback.ID())); err != nil {
		c.Context().Unregister(callback)
		return nil, err
	}
	c.closed = true
	return callback, nil
}

// Destroy destroys the control object
func (c *Control) Destroy() error {
	err := c.Context().SendRequest(c, controlRequestDestroy)
	if err == nil {
		c.Context().Unregister(c)
	}
	return err
}

// CommandCallback represents a next_command_callback_v1. It receives exactly
// one event.
type CommandCallback struct {
	wlclient.BaseProxy
	result chan Result
}

// Result returns the delivered outcome, or false if none has arrived.
func (c *CommandCallback) Result() (Result, bool) {
	select {
	case r := <-c.result:
		return r, true
	default:
		return nil, false
	}
}

// Dispatch handles the success and failure events
func (c *CommandCallback) Dispatch(event *wlclient.Event) error {
	var result Result
	switch event.Opcode {
	case callbackEventSuccess:
		result = Success{Output: event.String()}
	case callbackEventFailure:
		result = Failure{Message: event.String()}
	default:
		return c.BaseProxy.Dispatch(event)
	}
	if err := event.Err(); err != nil {
		return err
	}

	select {
	case c.result <- result:
	default:
		return fmt.Errorf("%w: %s %d delivered a second result", wlclient.ErrProtocol, CallbackInterface, c.ID())
	}

	// Destructor event: the compositor deletes the object after sending it
	c.Context().Unregister(c)
	return nil
}
