// Package dispatch delivers queued webhook envelopes to the agent gateway.
//
// A Pool runs N workers against the durable queue. Each worker:
//   - leases the oldest due event (the lease counts the attempt)
//   - sanitizes the payload once and persists the forward body so retries
//     reuse it
//   - POSTs it to the gateway with a bearer token
//   - completes, reschedules or dead-letters it based on the outcome
//
// Classification:
//   - 2xx: success, the event is removed
//   - 429, 5xx, transport errors and timeouts: transient, retried with
//     exponential backoff and jitter until the attempt or elapsed budget is
//     spent
//   - any other status: permanent, dead-lettered immediately
//
// Idle workers sleep until ingress calls Notify or the poll interval passes.
// Stop lets in-flight attempts finish within the grace period and then hands
// this process's leases back to the queue.
package dispatch
