package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"raven/internal/db"
)

// SpoolManager polls outbound_queue for due rows and dispatches one
// Agent per row, bounding concurrent SMTP submissions with a weighted
// semaphore the way a fixed pool of SmtpClient slots would.
type SpoolManager struct {
	DB          *sql.DB
	Agent       *Agent
	MaxInFlight int64
	PollEvery   time.Duration
	RetryDelay  time.Duration
	BatchSize   int
}

// NewSpoolManager returns a SpoolManager with the given concurrency
// bound and poll interval.
func NewSpoolManager(database *sql.DB, agent *Agent, maxInFlight int64, pollEvery time.Duration) *SpoolManager {
	return &SpoolManager{
		DB:          database,
		Agent:       agent,
		MaxInFlight: maxInFlight,
		PollEvery:   pollEvery,
		RetryDelay:  5 * time.Minute,
		BatchSize:   50,
	}
}

// Run polls until ctx is cancelled, dispatching one RunOnce pass per
// tick.
func (m *SpoolManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				log.Printf("delivery: spool pass failed: %v", err)
			}
		}
	}
}

// RunOnce fetches one batch of due rows and processes them
// concurrently, bounded by MaxInFlight. Any individual row's failure
// is logged and the row is rescheduled RetryDelay later rather than
// aborting the batch.
func (m *SpoolManager) RunOnce(ctx context.Context) error {
	due, err := db.GetPendingOutboundMessages(m.DB, m.BatchSize)
	if err != nil {
		return fmt.Errorf("delivery: list pending: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(m.MaxInFlight)
	g, gctx := errgroup.WithContext(ctx)

	for _, row := range due {
		queueID, ok := row["id"].(int64)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			if err := m.Agent.ProcessOne(gctx, queueID); err != nil {
				log.Printf("delivery: queue row %d failed: %v", queueID, err)
				_ = db.RetryOutboundMessage(m.DB, queueID, m.RetryDelay)
			}
			return nil
		})
	}

	return g.Wait()
}
