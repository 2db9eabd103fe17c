package cli

import (
	"strings"

	"github.com/spf13/pflag"
)

// Action is what the process should do with its arguments.
type Action int

const (
	ActionRun Action = iota
	ActionHelp
	ActionVersion
)

// Parsed is the outcome of Parse.
type Parsed struct {
	Action Action
	// Command is every argument, forwarded verbatim when Action is ActionRun.
	Command []string
}

// Parse decides what to do with the process arguments. -h/--help and
// -v/--version win wherever they appear; anything else, including unknown
// flags, belongs to the compositor command.
func Parse(args []string) Parsed {
	flags := newFlagSet()
	for _, arg := range args {
		flag := lookup(flags, arg)
		if flag == nil {
			continue
		}
		switch flag.Name {
		case "help":
			return Parsed{Action: ActionHelp}
		case "version":
			return Parsed{Action: ActionVersion}
		}
	}

	return Parsed{Action: ActionRun, Command: append([]string{}, args...)}
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("nextctl", pflag.ContinueOnError)
	flags.BoolP("help", "h", false, "Print this help message and exit.")
	flags.BoolP("version", "v", false, "Print the version number and exit.")
	return flags
}

// lookup matches whole tokens only, so "-hv" or "--help=1" go to the
// compositor untouched.
func lookup(flags *pflag.FlagSet, arg string) *pflag.Flag {
	switch {
	case strings.HasPrefix(arg, "--") && len(arg) > 2:
		return flags.Lookup(arg[2:])
	case len(arg) == 2 && arg[0] == '-' && arg[1] != '-':
		return flags.ShorthandLookup(arg[1:])
	}
	return nil
}

// HelpText returns the usage text printed for -h and for rejected commands.
func HelpText(binaryName string) string {
	var b strings.Builder
	b.WriteString("Usage: " + binaryName + " <command>\n")
	b.WriteString(newFlagSet().FlagUsages())
	b.WriteString("\nComplete documentation for recognized commands can be found in\n")
	b.WriteString("the " + binaryName + "(1) man page.\n")
	return b.String()
}
