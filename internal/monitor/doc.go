// Package monitor watches the active state of targets that still have a
// pending schedule. When one becomes active, by whatever route, the
// schedule is completed so it never fires redundantly afterwards.
package monitor
