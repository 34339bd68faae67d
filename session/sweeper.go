package session

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically evicts sessions idle past their TTL.
type Sweeper struct {
	store  *Store
	ttl    time.Duration
	cron   *cron.Cron
	logger *log.Logger
}

func NewSweeper(store *Store, ttl time.Duration, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		store:  store,
		ttl:    ttl,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules the sweep at half the TTL so an idle session lives at most
// 1.5x its TTL.
func (s *Sweeper) Start() error {
	interval := s.ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if removed := s.store.SweepExpired(s.ttl); removed > 0 {
			s.logger.Printf("swept %d expired sessions", removed)
		}
	}); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}

	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	s.cron.Stop()
}
