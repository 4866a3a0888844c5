package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// purgeJob deletes expired tokens. Redis stores expire keys on their own
// and report zero.
type purgeJob struct {
	store  purger
	logger *zap.Logger
}

func newPurgeJob(store purger, logger *zap.Logger) *purgeJob {
	return &purgeJob{store: store, logger: logger}
}

func (j *purgeJob) Run(ctx context.Context) error {
	start := time.Now()
	n, err := j.store.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("purge expired tokens failed", zap.Error(err))
		return err
	}
	j.logger.Info("purged expired tokens", zap.Int("count", n), zap.Duration("took", time.Since(start)))
	return nil
}

type purgeScheduler struct {
	cron    *cron.Cron
	job     *purgeJob
	running atomic.Bool
	ctx     context.Context
}

func newPurgeScheduler(store purger, logger *zap.Logger) *purgeScheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &purgeScheduler{
		cron: cron.New(cron.WithParser(parser)),
		job:  newPurgeJob(store, logger),
		ctx:  context.Background(),
	}
}

func (s *purgeScheduler) Schedule(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		s.job.logger.Error("schedule purge failed", zap.String("spec", spec), zap.Error(err))
		return err
	}
	s.job.logger.Info("purge scheduled", zap.String("spec", spec))
	return nil
}

func (s *purgeScheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.job.logger.Info("purge skipped: still running")
		return
	}
	defer s.running.Store(false)
	_ = s.job.Run(s.ctx)
}

func (s *purgeScheduler) Start(ctx context.Context) {
	if ctx != nil {
		s.ctx = ctx
	}
	s.cron.Start()
}

// Stop waits for a running purge to return.
func (s *purgeScheduler) Stop() {
	<-s.cron.Stop().Done()
}
