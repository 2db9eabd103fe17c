package version

import "runtime"

var (
	Version = "0.1.0-dev"
	Commit  = "none"
	Date    = "unknown"
)

// Short is the bare version printed by -v.
func Short() string {
	return Version
}

func String() string {
	return "nextctl " + Version + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}
