// Package scheduler runs the periodic housekeeping jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"lipsync-service/internal"
	"lipsync-service/internal/logging"
)

// archiveSweepSchedule runs once a day at 03:30:00.
const archiveSweepSchedule = "0 30 3 * * *"

// Purger drops expired jobs, their artifacts and stale temp stores.
type Purger interface {
	PurgeExpired() (jobs, stores int)
}

// ArchiveSweeper deletes archived objects older than maxAge.
type ArchiveSweeper interface {
	DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}

type Service struct {
	log  *logging.Logger
	cron *cron.Cron
}

// New registers the purge job on cfg.PurgeSchedule and, when archive is set
// and cfg.ArchiveMaxAge is positive, a daily archive sweep.
func New(cfg internal.Config, purger Purger, archive ArchiveSweeper, log *logging.Logger) (*Service, error) {
	c := cron.New(cron.WithSeconds())
	s := &Service{log: log, cron: c}

	if _, err := c.AddFunc(cfg.PurgeSchedule, func() {
		jobs, stores := purger.PurgeExpired()
		if jobs > 0 || stores > 0 {
			log.Infof("cron: purged %d expired jobs, swept %d temp stores", jobs, stores)
		}
	}); err != nil {
		return nil, fmt.Errorf("purge schedule %q: %w", cfg.PurgeSchedule, err)
	}

	if archive != nil && cfg.ArchiveMaxAge > 0 {
		if _, err := c.AddFunc(archiveSweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			log.Infof("cron: sweeping archive objects older than %s", cfg.ArchiveMaxAge)
			n, err := archive.DeleteOlderThan(ctx, cfg.ArchiveMaxAge)
			if err != nil {
				log.Errorf("cron archive sweep: %v", err)
				return
			}
			log.Infof("cron: deleted %d archived objects", n)
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Infof("cron: started with %d jobs", len(s.cron.Entries()))

	<-ctx.Done()

	ctxStop := s.cron.Stop()
	select {
	case <-ctxStop.Done():
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("cron stop timeout")
	}
}
