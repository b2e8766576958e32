// Package notify delivers and retracts fallback notices: the prompts shown
// when a schedule fired but the target could not be activated directly.
// Delivery is asynchronous (bounded queue, worker pool, rate limit, retry
// with jittered backoff); the pipeline tracks the live notice per schedule
// so cancellation and completion can take it down again.
package notify
