// Package source models the webhook producers the relay accepts.
//
// Each producer is an Adapter: it authenticates raw request bytes, guards
// against replayed deliveries, derives the identity of the event (delivery,
// entity, cooldown scope) and decides whether the event is actionable. The
// ingress pipeline only talks to the Adapter interface, so adding a producer
// means adding one implementation and registering it.
package source
