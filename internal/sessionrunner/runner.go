// Package sessionrunner implements the detachable terminal-session
// abstraction of spec §4.3: start a command in a named, reattachable
// session, kill it, and test whether it's still alive.
package sessionrunner

import (
	"context"
	"errors"
	"os"
)

// ErrNotSupported is returned by backends that are wired for
// dependency parity but do not implement real job execution (the
// kubernetes stub — multi-node is an explicit Non-goal).
var ErrNotSupported = errors.New("sessionrunner: backend does not support this operation")

// ErrLaunchFailed maps onto the store.CodeLaunchFailed taxonomy when a
// session cannot be created.
var ErrLaunchFailed = errors.New("sessionrunner: failed to launch session")

// Runner is the detachable terminal-session abstraction. Session
// names are unique per job (spec's screen_session_name,
// "nexus_job_{id}"); a Runner implementation owns however it tracks
// liveness internally.
type Runner interface {
	// Start launches command as a detached session named name, in
	// workingDir, with env as its full environment. Combined stdout is
	// written to workingDir/output.log, stderr additionally to
	// workingDir/error.log. Returns the session leader's PID.
	Start(ctx context.Context, name, workingDir, command string, env []string) (pid int, err error)

	// Kill sends a terminate signal to the session, escalating to an
	// unconditional kill after a grace period. Idempotent: killing an
	// already-dead or unknown session is not an error.
	Kill(ctx context.Context, name string) error

	// IsAlive reports whether the session is still registered and its
	// process group is still running.
	IsAlive(name string) bool
}

// FromEnv selects a backend by the NEXUS_RUNNER environment variable
// (spec §4.3 expanded; default "native").
func FromEnv() (Runner, error) {
	switch os.Getenv("NEXUS_RUNNER") {
	case "", "native":
		return NewNative(), nil
	case "docker":
		return NewDocker()
	case "kubernetes":
		return NewKubernetes()
	default:
		return nil, errors.New("sessionrunner: unknown NEXUS_RUNNER backend")
	}
}
