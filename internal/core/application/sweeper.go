package application

import (
	"context"
	"time"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

// sweeper periodically selects the detected covenants that waited long
// enough and hands them to the claimer. It holds no claim logic.
type sweeper struct {
	repo      domain.CovenantRepository
	scheduler ports.SchedulerService
	storage   *storageGuard
	sweepTime time.Duration
	interval  int64
	claim     func(context.Context, []domain.Covenant)
}

func (s *sweeper) start(ctx context.Context) error {
	if s.interval <= 0 {
		log.Info("claiming covenants as soon as they are detected")
		return nil
	}

	log.Infof(
		"claiming covenants %s after detection, checking every %ds",
		s.sweepTime, s.interval,
	)
	if err := s.scheduler.ScheduleTask(s.interval, true, func() {
		s.sweep(ctx)
	}); err != nil {
		return err
	}
	s.scheduler.Start()
	return nil
}

func (s *sweeper) stop() {
	if s.interval > 0 {
		s.scheduler.Stop()
	}
}

func (s *sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	var covenants []domain.Covenant
	if err := s.storage.do(ctx, func() (err error) {
		covenants, err = s.repo.GetSweepable(ctx, time.Now().Add(-s.sweepTime))
		return
	}); err != nil {
		log.WithError(err).Warn("failed to fetch covenants to claim")
		return
	}
	if len(covenants) <= 0 {
		return
	}

	log.Debugf("sweeping %d covenants", len(covenants))
	s.claim(ctx, covenants)
}
