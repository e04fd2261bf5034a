// Package jobs runs the periodic ledger jobs: history sampling and
// scheduled price refreshes.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Runner schedules jobs with cron specs ("@every 5m", "*/10 * * * *").
// A run that is still going when the next one is due is skipped.
type Runner struct {
	cron    *cron.Cron
	logger  *slog.Logger
	baseCtx context.Context
	timeout time.Duration
}

// New creates a Runner. Jobs receive a context derived from baseCtx and
// bounded by timeout when it is positive.
func New(baseCtx context.Context, logger *slog.Logger, timeout time.Duration) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return &Runner{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		baseCtx: baseCtx,
		timeout: timeout,
	}
}

// Add schedules job under name.
func (r *Runner) Add(name, spec string, job Job) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() { r.run(name, job) })
}

func (r *Runner) run(name string, job Job) {
	ctx := r.baseCtx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := job(ctx); err != nil {
		r.logger.Error("job failed", "job", name, "err", err, "took", time.Since(start))
		return
	}
	r.logger.Debug("job done", "job", name, "took", time.Since(start))
}

// Start begins scheduling in the background.
func (r *Runner) Start() {
	r.logger.Info("cron started", "jobs", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop stops scheduling and waits for running jobs.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("cron stopped")
}

// Sampler records history for every room portfolio.
type Sampler interface {
	SampleAll(ctx context.Context) (int, error)
}

// SampleHistory returns a job recording one history sample per room
// portfolio.
func SampleHistory(s Sampler, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		n, err := s.SampleAll(ctx)
		logger.Info("history sampled", "samples", n)
		return err
	}
}

// Refresher reprices realms.
type Refresher interface {
	ListRooms(ctx context.Context, userID string) ([]model.RoomSummary, error)
	RefreshPrices(ctx context.Context, realmID string) ([]model.PriceUpdate, error)
}

// RefreshRooms returns a job repricing every room. A failing room is
// logged and the rest still run.
func RefreshRooms(rf Refresher, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		rooms, err := rf.ListRooms(ctx, "")
		if err != nil {
			return err
		}
		var failed int
		for _, room := range rooms {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := rf.RefreshPrices(ctx, room.ID); err != nil {
				failed++
				logger.Warn("room refresh failed", "realm_id", room.ID, "err", err)
			}
		}
		logger.Info("rooms refreshed", "rooms", len(rooms), "failed", failed)
		return nil
	}
}
