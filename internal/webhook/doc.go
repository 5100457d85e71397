// Package webhook is the relay's producer-facing HTTP ingress.
//
// Routes:
//
//	POST /webhook/{source}   any registered source (github, linear)
//	POST /hooks/github-pr    legacy alias for /webhook/github
//	POST /hooks/linear       legacy alias for /webhook/linear
//	GET  /health             liveness
//
// # Request Flow
//
//  1. Resolve the source adapter (404 when unknown)
//  2. Per-IP then per-source token buckets (429 with Retry-After)
//  3. Read the body under the size cap (413)
//  4. Verify the HMAC signature over the raw bytes (401)
//  5. Decode JSON (400) and check the replay window (401)
//  6. Describe the delivery and apply the event filter (200 ignored)
//  7. Require a delivery id (400)
//  8. Record the delivery key, apply the entity cooldown and enqueue in one
//     transaction (200 accepted, 200 ignored, or 503 when the store fails)
//  9. Wake a forwarding worker
//
// # Security Model
//
//   - Signatures are checked before anything parses the body
//   - Error responses never echo payload content or signature details
//   - Request logs carry method, path, status, request id and client address,
//     never bodies
//   - Forwarding headers are honored only from trusted proxies
package webhook
