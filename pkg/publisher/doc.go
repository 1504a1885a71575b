// Package publisher fans fleet lifecycle events out to dashboard
// subscribers. Delivery is fire-and-forget: a slow subscriber loses its
// oldest buffered events rather than ever blocking a session or monitor,
// and the broker keeps the latest event per (branch, type) so a freshly
// connected dashboard can catch up from a snapshot.
package publisher
