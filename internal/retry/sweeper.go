package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cabibbz/koya-caller-sub002/internal/domain"
	"github.com/cabibbz/koya-caller-sub002/internal/repository"
)

// Attempter performs one delivery attempt and drives the record's state
// transitions. The dispatcher implements it; the sweeper only claims and
// hands over.
type Attempter interface {
	Attempt(ctx context.Context, d *domain.Delivery)
}

// SweeperConfig holds the sweep loop parameters.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  5 * time.Second,
		BatchSize: 100,
	}
}

// Sweeper periodically claims due deliveries and re-attempts them.
// Multiple instances may run concurrently across replicas: claiming goes
// through the store's SKIP LOCKED update, so each due row is handed to
// one sweep at a time.
type Sweeper struct {
	config     SweeperConfig
	deliveries repository.DeliveryRepository
	attempter  Attempter
	logger     *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewSweeper(deliveries repository.DeliveryRepository, attempter Attempter, config SweeperConfig, logger *slog.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		config:     config,
		deliveries: deliveries,
		attempter:  attempter,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; the loop runs
// until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("retry sweeper started",
		"interval", s.config.Interval,
		"batch_size", s.config.BatchSize,
	)

	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for the in-flight batch.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) sweep(ctx context.Context) {
	due, err := s.deliveries.ClaimDue(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to claim due deliveries", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Debug("claimed due deliveries", "count", len(due))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, d := range due {
			if ctx.Err() != nil {
				return
			}
			s.attempter.Attempt(ctx, d)
		}
	}()
}
