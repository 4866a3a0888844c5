package fxauth

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricForgotSendCode)

	if got := m.Value(MetricForgotSendCode); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	m.Inc(MetricAccountReset)
	m.Observe(MetricCustomsLatency, time.Millisecond)

	if m.Enabled() {
		t.Fatal("nil metrics must report disabled")
	}
	snap := m.Snapshot()
	if snap.Counters == nil || snap.Histograms == nil {
		t.Fatal("snapshot maps must not be nil")
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricForgotVerifyFailure)
	m.Inc(MetricForgotVerifyFailure)
	m.Inc(MetricForgotVerifyFailure)

	if got := m.Value(MetricForgotVerifyFailure); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricCustomsBlocked)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricCustomsBlocked); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}

	for _, d := range observations {
		m.Observe(MetricCustomsLatency, d)
	}

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricCustomsLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}

	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestMetricsObserveIgnoresCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Observe(MetricSignInSuccess, time.Millisecond)

	snap := m.Snapshot()
	if _, ok := snap.Histograms[MetricSignInSuccess]; ok {
		t.Fatal("counter ids must not grow a histogram")
	}
	for i, v := range snap.Histograms[MetricCustomsLatency] {
		if v != 0 {
			t.Fatalf("bucket %d expected 0, got %d", i, v)
		}
	}
}

func TestMetricsSnapshotConsistency(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Inc(MetricForgotVerifySuccess)
	m.Inc(MetricForgotExhausted)
	m.Inc(MetricForgotExhausted)
	m.Observe(MetricCustomsLatency, 2*time.Millisecond)

	snap := m.Snapshot()

	if snap.Counters[MetricForgotVerifySuccess] != 1 {
		t.Fatalf("expected MetricForgotVerifySuccess=1 got %d", snap.Counters[MetricForgotVerifySuccess])
	}
	if snap.Counters[MetricForgotExhausted] != 2 {
		t.Fatalf("expected MetricForgotExhausted=2 got %d", snap.Counters[MetricForgotExhausted])
	}
	if len(snap.Counters) != int(metricIDCount) {
		t.Fatalf("expected %d counters, got %d", metricIDCount, len(snap.Counters))
	}
	if snap.Histograms[MetricCustomsLatency][0] != 1 {
		t.Fatalf("expected first histogram bucket=1 got %d", snap.Histograms[MetricCustomsLatency][0])
	}
}
