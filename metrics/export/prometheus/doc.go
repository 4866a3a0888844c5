// Package prometheus renders fxauth engine metrics in the Prometheus text
// exposition format.
//
// [Exporter.Handler] is mounted by the caller; nothing is registered in a
// global registry. Counters are named fxauth_*_total and the customs check
// latency is the fxauth_customs_check_seconds histogram.
package prometheus
