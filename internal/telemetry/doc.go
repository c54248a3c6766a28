// Package telemetry sets up OpenTelemetry tracing and metrics for groove.
//
// New installs OTLP trace and metric exporters as the global providers so
// the attribution consumer's spans and the embedding histograms are
// exported without further wiring. Exporter failures never stop the
// daemon; the instance reports itself degraded and falls back to no-op
// providers.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sample_rate: 0.1
//	  metrics_interval: 15s
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
