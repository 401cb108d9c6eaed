/*
scheduler.go - Expired redemption code sweeper

PURPOSE:
  Periodically deletes redemption codes past their expiry. Expired codes
  are already unclaimable (claim checks expiry itself), so the sweep only
  reclaims storage and is never on a request path.

DESIGN:
  - robfig/cron drives the schedule (default "@every 1h")
  - Each run calls CodeEngine.PurgeExpired under a timeout
  - Overlapping runs are skipped, not queued
  - Results and failures are logged; nothing is retried

USAGE:
  sweeper, err := NewCodeSweeper(engine.Codes, "@every 1h")
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - loyalty/codes.go: PurgeExpired
  - handlers.go: PurgeCodes endpoint (manual sweep)
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Purger deletes expired codes and reports how many were removed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// CodeSweeper runs Purger on a cron schedule.
type CodeSweeper struct {
	Purger  Purger
	Timeout time.Duration
	Logger  log.FieldLogger

	cron *cron.Cron
}

// NewCodeSweeper validates schedule and registers the sweep job.
func NewCodeSweeper(purger Purger, schedule string) (*CodeSweeper, error) {
	s := &CodeSweeper{
		Purger:  purger,
		Timeout: time.Minute,
		Logger:  log.StandardLogger(),
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule in the background.
func (s *CodeSweeper) Start() {
	s.cron.Start()
	s.Logger.Info("[Sweeper] Started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *CodeSweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.Logger.Info("[Sweeper] Stopped")
}

// Sweep runs one purge. Exported so it can be triggered directly.
func (s *CodeSweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	n, err := s.Purger.PurgeExpired(ctx)
	if err != nil {
		s.Logger.WithError(err).Error("[Sweeper] Failed to purge expired codes")
		return
	}
	if n > 0 {
		s.Logger.WithField("deleted", n).Info("[Sweeper] Purged expired codes")
		return
	}
	s.Logger.Debug("[Sweeper] No expired codes")
}
