// Package dispatch provides the deferred-fire primitive: a timer per
// pending schedule, keyed by schedule id with replace-on-reschedule
// semantics, delivering fires to a small worker pool.
//
// The dispatcher itself holds no durable state. Pending schedules live in
// the store; a reconcile sweep (and the startup rebuild) re-arms timers for
// any live pending schedule, which yields at-least-once delivery per
// pending entry across process restarts. Exact timing precision is not a
// goal and consumers must be idempotent.
package dispatch
