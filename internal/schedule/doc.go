// Package schedule implements the scheduling core: the conflict-aware
// create/update/cancel surface, the completion protocol shared by the
// execution worker and the passive activation monitor, and the cancellation
// command consumed by both the UI and the fallback notification.
//
// # Consistency model
//
// Three independent actors can touch the same schedule concurrently: the
// interactive caller, the dispatcher firing the execution worker at the due
// time, and the monitor reporting that the target became active. All
// mutation is narrowed through Service, and every status change is a
// single-record compare-and-set (transition only if the current status is
// Pending) executed as one store statement. Losing a race therefore
// degrades to a silent no-op, never to a double transition.
package schedule
