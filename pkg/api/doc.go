// Package api exposes the fleet to dashboards and operators over HTTP:
// pull-mode status and health snapshots, push-mode event streaming over
// SSE, and the explicit branch commands (pairing, disconnect, reconnect,
// backup, restore). Every write goes through the fleet supervisor; the API
// never touches sessions directly.
package api
