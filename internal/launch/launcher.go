package launch

import (
	"context"
	"errors"
	"time"
)

// ErrNotInstalled marks a target that cannot be resolved on this host at
// all. Callers treat it as unresolvable rather than a transient failure.
var ErrNotInstalled = errors.New("launch: target not installed")

// State is a target's coarse activation state.
type State struct {
	TargetID string
	// Active reports whether the target is currently running.
	Active bool
	// Installed is false when the target does not exist on this host.
	Installed bool
	// Raw carries the backend's own state string for logging.
	Raw string
	At  time.Time
}

// Launcher resolves and activates targets. The execution worker uses it on
// the direct path; the activation monitor polls it for passive detection.
type Launcher interface {
	// Resolve reports whether targetID exists on this host. Returns
	// ErrNotInstalled when it does not; other errors are transient.
	Resolve(ctx context.Context, targetID string) error
	// Activatable reports whether a direct activation can be attempted
	// right now (target installed and backend reachable).
	Activatable(ctx context.Context, targetID string) (bool, error)
	// Activate starts the target in the foreground role.
	Activate(ctx context.Context, targetID string) error
	// ActiveState probes the target's current state.
	ActiveState(ctx context.Context, targetID string) (State, error)
	Close() error
}
