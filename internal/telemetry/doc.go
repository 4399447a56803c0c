// Package telemetry wires the OpenTelemetry SDK for traces and metrics.
// With telemetry disabled no exporters are created and the global
// providers stay noop, so instrumented code needs no enabled/disabled
// branching.
package telemetry
