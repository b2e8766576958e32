//go:build linux

package launch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	logx "appsched/pkg/logx"
)

// SystemdLauncher maps targets onto systemd units: a target id is the unit
// name without the ".service" suffix, activation is StartUnit with the
// replace job mode, and the active state comes from the unit's ActiveState
// property.
type SystemdLauncher struct {
	mu   sync.RWMutex
	conn *dbus.Conn
	log  logx.Logger
}

func NewSystemdLauncher(ctx context.Context, log logx.Logger) (*SystemdLauncher, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &SystemdLauncher{conn: conn, log: log}, nil
}

func (l *SystemdLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	return nil
}

func (l *SystemdLauncher) snapshot() (*dbus.Conn, error) {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("systemd connection is closed")
	}
	return conn, nil
}

func unitName(targetID string) string {
	if strings.HasSuffix(targetID, ".service") {
		return targetID
	}
	return targetID + ".service"
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd reports org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}

func (l *SystemdLauncher) Resolve(ctx context.Context, targetID string) error {
	conn, err := l.snapshot()
	if err != nil {
		return err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, unitName(targetID))
	if err != nil {
		if isNoSuchUnitErr(err) {
			return ErrNotInstalled
		}
		return fmt.Errorf("resolve %s: %w", targetID, err)
	}
	if ls, _ := props["LoadState"].(string); ls == "not-found" {
		return ErrNotInstalled
	}
	return nil
}

func (l *SystemdLauncher) Activatable(ctx context.Context, targetID string) (bool, error) {
	err := l.Resolve(ctx, targetID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotInstalled):
		return false, ErrNotInstalled
	default:
		return false, err
	}
}

func (l *SystemdLauncher) Activate(ctx context.Context, targetID string) error {
	conn, err := l.snapshot()
	if err != nil {
		return err
	}
	if _, err := conn.StartUnitContext(ctx, unitName(targetID), "replace", nil); err != nil {
		if isNoSuchUnitErr(err) {
			return ErrNotInstalled
		}
		return fmt.Errorf("start %s: %w", targetID, err)
	}
	return nil
}

func (l *SystemdLauncher) ActiveState(ctx context.Context, targetID string) (State, error) {
	conn, err := l.snapshot()
	if err != nil {
		return State{}, err
	}
	st := State{TargetID: targetID, Installed: true, At: time.Now()}

	unit := unitName(targetID)
	// Cheap path first; the monitor calls this on every tick.
	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil && len(units) > 0 {
		u := units[0]
		for _, x := range units {
			if x.Name == unit {
				u = x
				break
			}
		}
		st.Raw = u.ActiveState
		st.Active = u.ActiveState == "active"
		st.Installed = u.LoadState != "not-found"
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			st.Installed = false
			st.Raw = "not-found"
			return st, nil
		}
		return State{}, fmt.Errorf("state of %s: %w", targetID, err)
	}
	if ls, _ := props["LoadState"].(string); ls == "not-found" {
		st.Installed = false
		st.Raw = "not-found"
		return st, nil
	}
	raw, _ := props["ActiveState"].(string)
	st.Raw = raw
	st.Active = raw == "active"
	return st, nil
}
