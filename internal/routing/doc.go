// Package routing consumes the remote triage/routing service. It owns the wire
// model shared by route-by-acuity, route-nearest and the inference endpoints,
// the chief-complaint keyword mapping, and the Consumer that holds the active
// routing result for one case.
package routing
