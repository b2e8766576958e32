//go:build !linux

package launch

import (
	"context"
	"errors"

	logx "appsched/pkg/logx"
)

var errUnsupported = errors.New("launch: systemd backend requires linux")

// SystemdLauncher is a non-linux stub; every probe fails with a stable
// error so the worker routes schedules through the fallback path.
type SystemdLauncher struct{}

func NewSystemdLauncher(ctx context.Context, log logx.Logger) (*SystemdLauncher, error) {
	return &SystemdLauncher{}, nil
}

func (l *SystemdLauncher) Close() error { return nil }

func (l *SystemdLauncher) Resolve(ctx context.Context, targetID string) error {
	return errUnsupported
}

func (l *SystemdLauncher) Activatable(ctx context.Context, targetID string) (bool, error) {
	return false, errUnsupported
}

func (l *SystemdLauncher) Activate(ctx context.Context, targetID string) error {
	return errUnsupported
}

func (l *SystemdLauncher) ActiveState(ctx context.Context, targetID string) (State, error) {
	return State{}, errUnsupported
}
