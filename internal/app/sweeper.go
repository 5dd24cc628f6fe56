/**
 * @description
 * Periodic expiry sweeper. On each tick it claims a bounded batch of pending
 * transfers whose acceptance deadline has passed and moves each to EXPIRED;
 * the refund for each then flows through the event-driven refund handler.
 *
 * @notes
 * - cron.SkipIfStillRunning keeps passes from overlapping when a batch runs
 *   long. Transfers that miss one pass are picked up by the next.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the expiry pass on a cron schedule.
type Sweeper struct {
	service  *Service
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
}

// NewSweeper creates a sweeper running the given cron expression, e.g.
// "*/30 * * * * *" for every thirty seconds.
func NewSweeper(service *Service, schedule string, passTimeout time.Duration) *Sweeper {
	if passTimeout <= 0 {
		passTimeout = 2 * time.Minute
	}
	return &Sweeper{
		service:  service,
		cron:     cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		schedule: schedule,
		timeout:  passTimeout,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.runPass)
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=expiry_sweeper msg=\"started\" schedule=%q", s.schedule)
	return nil
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("level=info component=expiry_sweeper msg=\"stopped\"")
}

func (s *Sweeper) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	expired, err := s.service.SweepExpired(ctx)
	if err != nil {
		log.Printf("level=error component=expiry_sweeper msg=\"sweep pass failed\" err=%v", err)
		return
	}
	if expired > 0 {
		log.Printf("level=info component=expiry_sweeper msg=\"sweep pass complete\" expired=%d", expired)
	}
}
