// Package otel mirrors fxauth engine metrics into OpenTelemetry.
//
// [NewExporter] registers an Int64ObservableCounter per engine counter and
// an Int64ObservableGauge per histogram bucket. The caller owns the
// MeterProvider and supplies the Meter.
package otel
