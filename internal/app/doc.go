// Package app assembles the scheduling engine: store, dispatcher,
// execution worker, notifier, activation monitor and the config manager,
// with an explicit Start/Stop lifecycle.
package app
