/*
scheduler.go - Automated reference-rate carry-forward

PURPOSE:
  Reference rates are posted manually per day. On days when nobody posts
  a rate for a product, pricing would silently fall back; this job
  carries each active product's latest rate forward to today so the
  pricing resolver always finds one.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - At most one run per calendar day, enforced by the job_runs table's
    UNIQUE(job_name, run_date) index so multiple instances converge
  - Records every run for audit and the admin UI

USAGE:
  rollover := NewRateRollover(store, logger)
  rollover.Start()
  // ... later
  rollover.Stop()

SEE ALSO:
  - handlers.go: TriggerRollover endpoint (manual run)
  - store/sqlite/: job_runs log
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian/order-engine/domain"
	"github.com/meridian/order-engine/store/sqlite"
)

const rateRolloverJob = "rate-rollover"

// RateRollover carries the latest reference rates forward each day.
type RateRollover struct {
	Store         *sqlite.Store
	Logger        *zap.Logger
	CheckInterval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRateRollover creates the job with an hourly check interval.
func NewRateRollover(store *sqlite.Store, logger *zap.Logger) *RateRollover {
	return &RateRollover{
		Store:         store,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		stop:          make(chan struct{}),
	}
}

// Start begins the background loop.
func (rr *RateRollover) Start() {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rr.ticker = time.NewTicker(rr.CheckInterval)
	rr.wg.Add(1)
	go rr.run(rr.ticker)

	rr.Logger.Info("rate rollover started",
		zap.Duration("check_interval", rr.CheckInterval))
}

// Stop halts the background loop and waits for it to exit.
func (rr *RateRollover) Stop() {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.ticker == nil {
		return
	}
	rr.ticker.Stop()
	rr.ticker = nil
	close(rr.stop)
	rr.wg.Wait()
	rr.Logger.Info("rate rollover stopped")
}

func (rr *RateRollover) run(ticker *time.Ticker) {
	defer rr.wg.Done()

	// Check once at startup so a freshly restarted server still covers
	// today without waiting a full interval.
	rr.tick()

	for {
		select {
		case <-ticker.C:
			rr.tick()
		case <-rr.stop:
			return
		}
	}
}

func (rr *RateRollover) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := rr.RunOnce(ctx, time.Now()); err != nil {
		rr.Logger.Error("rate rollover run failed", zap.Error(err))
	}
}

// RunOnce performs the carry-forward for the given day. Returns nil without
// error when the day's run already happened.
func (rr *RateRollover) RunOnce(ctx context.Context, now time.Time) (*sqlite.JobRun, error) {
	runDate := now.Format("2006-01-02")

	done, err := rr.Store.HasJobRun(ctx, rateRolloverJob, runDate)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}

	products, err := rr.Store.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	carried := 0
	skipped := 0
	for _, p := range products {
		if !p.Active {
			continue
		}
		has, err := rr.Store.HasRateForDate(ctx, p.ID, runDate)
		if err != nil {
			return nil, err
		}
		if has {
			skipped++
			continue
		}

		latest, err := rr.Store.LatestRates(ctx, []domain.ProductID{p.ID}, runDate)
		if err != nil {
			return nil, err
		}
		rate, ok := latest[p.ID]
		if !ok {
			// Never had a rate; nothing to carry.
			continue
		}

		err = rr.Store.SaveRate(ctx, domain.ReferenceRate{
			ProductID: p.ID,
			RateDate:  runDate,
			Rate:      rate,
		})
		if err != nil {
			return nil, err
		}
		carried++
	}

	completedAt := time.Now()
	run := sqlite.JobRun{
		ID:          uuid.New().String(),
		JobName:     rateRolloverJob,
		RunDate:     runDate,
		Status:      "completed",
		Detail:      fmt.Sprintf("carried %d rates forward, %d already posted", carried, skipped),
		CompletedAt: &completedAt,
		CreatedAt:   completedAt,
	}
	if err := rr.Store.RecordJobRun(ctx, run); err != nil {
		// A concurrent instance won the day; its run stands.
		rr.Logger.Warn("rate rollover run not recorded", zap.Error(err))
		return nil, nil
	}

	rr.Logger.Info("rate rollover completed",
		zap.String("run_date", runDate),
		zap.Int("carried", carried),
		zap.Int("already_posted", skipped))
	return &run, nil
}
