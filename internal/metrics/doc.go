// Package metrics provides internal Prometheus metrics collection for the
// orchestration core. This package is internal and should not be imported by
// external projects.
package metrics
