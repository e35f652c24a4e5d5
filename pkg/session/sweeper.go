package session

import (
	"github.com/robfig/cron/v3"

	"github.com/gatehouse-io/gatehouse/pkg/observability"
)

// Purger is implemented by stores that need periodic expiry sweeps.
// RedisStore expires keys natively and does not implement it.
type Purger interface {
	Purge() int
}

// Sweeper periodically purges expired sessions from a Purger store
type Sweeper struct {
	cron   *cron.Cron
	store  Purger
	logger *observability.Logger
}

// NewSweeper creates a sweeper running on the given cron schedule,
// e.g. "@every 5m".
func NewSweeper(store Purger, logger *observability.Logger, schedule string) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(),
		store:  store,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) sweep() {
	if purged := s.store.Purge(); purged > 0 {
		s.logger.WithField("purged", purged).Debug("Swept expired sessions")
	}
}

// Start begins the sweep schedule
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the sweep schedule
func (s *Sweeper) Stop() {
	s.cron.Stop()
}
