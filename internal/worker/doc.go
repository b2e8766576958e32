// Package worker runs due schedules. A fire walks a short state machine:
// confirm the schedule is still pending, probe the target, activate it
// directly when possible, otherwise post a fallback notice and leave the
// schedule pending for the user or the activation monitor to settle.
package worker
