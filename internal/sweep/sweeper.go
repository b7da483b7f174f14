package sweep

import (
	"time"

	"github.com/go-co-op/gocron"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/metrics"
	"github.com/plomgrading/marker/internal/tasks"
)

// Sweeper periodically returns tasks that have sat out with a marker
// for too long back to the to-do pile.
type Sweeper struct {
	tasks     *tasks.Service
	scheduler *gocron.Scheduler
	interval  time.Duration
	maxAge    time.Duration
}

func New(tasksSvc *tasks.Service, interval, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		tasks:     tasksSvc,
		scheduler: gocron.NewScheduler(time.UTC),
		interval:  interval,
		maxAge:    maxAge,
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.scheduler.Every(s.interval).Do(s.sweep); err != nil {
		return err
	}
	s.scheduler.StartAsync()
	logger.Info.Printf("Stale task sweeper running every %s, max out time %s", s.interval, s.maxAge)
	return nil
}

func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}

func (s *Sweeper) sweep() {
	released, err := s.tasks.ReleaseStale(s.maxAge)
	if err != nil {
		logger.Error.Printf("Stale task sweep failed: %v", err)
		return
	}
	if released > 0 {
		metrics.StaleTasksReleased.Add(float64(released))
		logger.Info.Printf("Returned %d stale tasks to the pool", released)
	}
}
