package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

type WorkerConfig struct {
	// how often queued events are merged. zero disables the loop
	ProcessInterval time.Duration
	// how often the database is re-verified. zero disables the loop
	GCInterval time.Duration
	// how often DID statistics are collected. zero disables the loop
	StatusInterval time.Duration
}

// Workers runs the gatekeeper's background maintenance loops.
type Workers struct {
	gk     *mdip.Gatekeeper
	state  *State
	cfg    WorkerConfig
	logger *slog.Logger
}

func NewWorkers(gk *mdip.Gatekeeper, state *State, cfg WorkerConfig, logger *slog.Logger) *Workers {
	return &Workers{
		gk:     gk,
		state:  state,
		cfg:    cfg,
		logger: logger.With("component", "workers"),
	}
}

func recordProcessed(ctx context.Context, res *mdip.ProcessEventsResult) {
	if res == nil || res.Busy {
		return
	}
	for status, n := range map[string]int{
		mdip.StatusAdded.String():    res.Added,
		mdip.StatusMerged.String():   res.Merged,
		mdip.StatusRejected.String(): res.Rejected,
	} {
		if n > 0 {
			ProcessedEventsCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
		}
	}
	EventsQueueGauge.Record(ctx, int64(res.Pending))
}

// Startup verifies the database once and then marks the node ready
func (w *Workers) Startup(ctx context.Context) error {
	if err := w.verify(ctx); err != nil {
		return err
	}
	w.state.SetReady(true)
	return nil
}

// Run blocks until ctx is cancelled or a loop fails
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if w.cfg.ProcessInterval > 0 {
		g.Go(func() error {
			return runEvery(ctx, w.cfg.ProcessInterval, func(ctx context.Context) error {
				w.process(ctx)
				return nil
			})
		})
	}
	if w.cfg.GCInterval > 0 {
		g.Go(func() error {
			return runEvery(ctx, w.cfg.GCInterval, w.verify)
		})
	}
	if w.cfg.StatusInterval > 0 {
		g.Go(func() error {
			return runEvery(ctx, w.cfg.StatusInterval, w.status)
		})
	}
	return g.Wait()
}

// runEvery calls fn on every tick until ctx is done. fn logs its own errors; they don't stop the loop.
func runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

func (w *Workers) process(ctx context.Context) {
	if w.gk.QueueLength() == 0 {
		return
	}
	res := w.gk.ProcessEvents(ctx)
	recordProcessed(ctx, res)
	if res.Busy {
		return
	}
	w.logger.Info("processed events", "added", res.Added, "merged", res.Merged, "rejected", res.Rejected, "pending", res.Pending)
}

func (w *Workers) verify(ctx context.Context) error {
	start := time.Now()
	res, err := w.gk.VerifyDb(ctx, mdip.VerifyDbOptions{})
	if err != nil {
		w.logger.Error("verifyDb failed", "err", err)
		return err
	}
	w.state.SetLastVerify(res)

	VerifyDbGauge.Record(ctx, int64(res.Total), metric.WithAttributes(attribute.String("result", "total")))
	VerifyDbGauge.Record(ctx, int64(res.Verified), metric.WithAttributes(attribute.String("result", "verified")))
	VerifyDbGauge.Record(ctx, int64(res.Expired), metric.WithAttributes(attribute.String("result", "expired")))
	VerifyDbGauge.Record(ctx, int64(res.Invalid), metric.WithAttributes(attribute.String("result", "invalid")))

	w.logger.Info("verifyDb", "duration", time.Since(start), "total", res.Total, "verified", res.Verified, "expired", res.Expired, "invalid", res.Invalid)
	return nil
}

func (w *Workers) status(ctx context.Context) error {
	res, err := w.gk.CheckDIDs(ctx, mdip.CheckDIDsOptions{})
	if err != nil {
		w.logger.Error("checkDIDs failed", "err", err)
		return err
	}
	w.state.SetLastCheck(res)

	for typ, n := range map[string]int{
		"agents":      res.ByType.Agents,
		"assets":      res.ByType.Assets,
		"confirmed":   res.ByType.Confirmed,
		"unconfirmed": res.ByType.Unconfirmed,
		"ephemeral":   res.ByType.Ephemeral,
		"invalid":     res.ByType.Invalid,
	} {
		DIDsGauge.Record(ctx, int64(n), metric.WithAttributes(attribute.String("type", typ)))
	}
	EventsQueueGauge.Record(ctx, int64(len(res.EventsQueue)))

	w.logger.Info("status", "total", res.Total, "agents", res.ByType.Agents, "assets", res.ByType.Assets, "eventsQueue", len(res.EventsQueue))
	return nil
}
