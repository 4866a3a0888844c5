package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakePurger struct {
	mu      sync.Mutex
	calls   int
	n       int
	err     error
	release chan struct{}
}

func (f *fakePurger) PurgeExpired(context.Context) (int, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	return f.n, f.err
}

func (f *fakePurger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPurgeJobLogsCount(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	job := newPurgeJob(&fakePurger{n: 4}, zap.New(core))

	require.NoError(t, job.Run(context.Background()))
	entries := logs.FilterMessage("purged expired tokens").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 4, entries[0].ContextMap()["count"])
}

func TestPurgeJobReturnsStoreError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	boom := errors.New("boom")
	job := newPurgeJob(&fakePurger{err: boom}, zap.New(core))

	require.ErrorIs(t, job.Run(context.Background()), boom)
	assert.Equal(t, 1, logs.FilterMessage("purge expired tokens failed").Len())
}

func TestPurgeSchedulerRejectsBadSpec(t *testing.T) {
	s := newPurgeScheduler(&fakePurger{}, zap.NewNop())
	require.Error(t, s.Schedule("not a schedule"))
	require.NoError(t, s.Schedule("@every 1h"))
}

func TestPurgeSchedulerSkipsOverlappingRuns(t *testing.T) {
	store := &fakePurger{release: make(chan struct{})}
	core, logs := observer.New(zap.InfoLevel)
	s := newPurgeScheduler(store, zap.New(core))

	done := make(chan struct{})
	go func() {
		s.tick()
		close(done)
	}()
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)

	s.tick()
	assert.Equal(t, 1, store.count())
	assert.Equal(t, 1, logs.FilterMessage("purge skipped: still running").Len())

	close(store.release)
	<-done
}
