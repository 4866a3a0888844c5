package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrEthical07/fxauth"
)

type fakeSource struct {
	mu       sync.RWMutex
	counters map[fxauth.MetricID]uint64
	latency  []uint64
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() fxauth.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := fxauth.MetricsSnapshot{
		Counters:   make(map[fxauth.MetricID]uint64, len(f.counters)),
		Histograms: map[fxauth.MetricID][]uint64{},
	}
	for k, v := range f.counters {
		out.Counters[k] = v
	}
	if f.latency != nil {
		out.Histograms[fxauth.MetricCustomsLatency] = append([]uint64(nil), f.latency...)
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func newMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			}
		}
	}
	return out
}

func TestExporterCollectsSnapshot(t *testing.T) {
	reader, provider := newMeter()
	src := &fakeSource{
		counters: map[fxauth.MetricID]uint64{fxauth.MetricForgotVerifySuccess: 3},
		latency:  []uint64{1, 1, 1, 1, 1, 1, 1, 1},
		dropped:  1,
	}

	exp, err := NewExporter(provider.Meter("fxauth-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	got := collect(t, reader)
	require.EqualValues(t, 3, got["fxauth_password_forgot_verify_success_total"])
	require.EqualValues(t, 1, got["fxauth_audit_dropped_total"])
	require.EqualValues(t, 1, got["fxauth_customs_check_seconds_bucket_le_0_005"])
	require.EqualValues(t, 8, got["fxauth_customs_check_seconds_bucket_le_inf"])
	require.EqualValues(t, 8, got["fxauth_customs_check_seconds_count"])
}

func TestExporterRejectsNilArguments(t *testing.T) {
	_, provider := newMeter()

	_, err := NewExporter(provider.Meter("fxauth-test"), nil)
	require.ErrorIs(t, err, ErrNilSource)
	_, err = NewExporter(nil, &fakeSource{})
	require.ErrorIs(t, err, ErrNilMeter)
}

func TestExporterConcurrentCollect(t *testing.T) {
	reader, provider := newMeter()
	src := &fakeSource{counters: map[fxauth.MetricID]uint64{fxauth.MetricSignInSuccess: 1}}

	exp, err := NewExporter(provider.Meter("fxauth-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.counters[fxauth.MetricSignInSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
