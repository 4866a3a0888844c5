package fxauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	// MetricForgotSendCode counts issued password-forgot tokens.
	MetricForgotSendCode MetricID = iota
	// MetricForgotResendCode counts recovery emails sent again for a live token.
	MetricForgotResendCode
	// MetricForgotVerifySuccess counts pass codes exchanged for an account reset token.
	MetricForgotVerifySuccess
	// MetricForgotVerifyFailure counts rejected pass codes.
	MetricForgotVerifyFailure
	// MetricForgotExhausted counts forgot tokens deleted after their last try.
	MetricForgotExhausted
	// MetricAccountReset counts completed account resets.
	MetricAccountReset
	MetricPasswordChangeStart
	MetricPasswordChangeFinish
	// MetricPasswordIncorrect counts authPW mismatches on sign-in and change/start.
	MetricPasswordIncorrect
	MetricAccountCreated
	MetricSignInSuccess
	MetricSignInFailure
	MetricSessionCreated
	// MetricSessionsInvalidated counts users whose tokens were all revoked.
	MetricSessionsInvalidated
	MetricTOTPSuccess
	MetricTOTPFailure
	// MetricNotificationFailure counts swallowed email and push failures.
	MetricNotificationFailure
	MetricSecondaryEmailCreated
	// MetricCustomsBlocked counts requests refused by customs.
	MetricCustomsBlocked
	// MetricCustomsSuspect counts verdicts customs marked suspect without blocking.
	MetricCustomsSuspect
	// MetricCustomsUnavailable counts checks that failed closed.
	MetricCustomsUnavailable
	// MetricCustomsLatency is the only histogram: the duration of customs checks.
	MetricCustomsLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free engine counters.
//
// A nil or disabled Metrics accepts every call and records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the customs latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc describes the inc operation and its observable behavior.
//
// Inc does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram of id. Ids without a histogram are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricCustomsLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current count of id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot describes the snapshot operation and its observable behavior.
//
// Snapshot never returns nil maps. A disabled Metrics yields empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricCustomsLatency].buckets[i])
		}
		s.Histograms[MetricCustomsLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
