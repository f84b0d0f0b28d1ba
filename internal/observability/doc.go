// Package observability builds the gateway's logger, Prometheus collectors
// and OpenTelemetry tracer provider.
//
// Metrics implements the metrics sinks of the policy engine, the review
// coordinator, the provider router and the checkpoint controller, so a single
// registry backs the /metrics endpoint.
package observability
