package main

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/config"
	"github.com/lvmcryo/cryofill/internal/engine"
	"github.com/lvmcryo/cryofill/internal/errkind"
	"github.com/lvmcryo/cryofill/internal/lockfile"
	"github.com/lvmcryo/cryofill/internal/notify"
	"github.com/lvmcryo/cryofill/internal/validator"
)

// controller implements httpapi.Controller, invoking the same
// internal/fill.Orchestrator, internal/lockfile, and internal/config
// machinery cmd/cryofilld's CLI path uses via internal/engine — per
// spec §6, the core engine is driven by this server exactly as by the
// CLI, just triggered over HTTP instead of a one-shot process invocation.
type controller struct {
	log *zap.Logger
	cfg *config.Config
	bus *notify.Bus

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func newController(log *zap.Logger, cfg *config.Config, bus *notify.Bus) *controller {
	return &controller{log: log.Named("controller"), cfg: cfg, bus: bus}
}

func (c *controller) Filling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *controller) ManualFill(ctx context.Context, clearLock, dryRun bool) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errkind.New(errkind.LockExists, "a fill is already running on this host")
	}

	cfg := *c.cfg
	cfg.DryRun = dryRun
	cfg.ClearLock = clearLock

	if cfg.ClearLock {
		_ = os.Remove(cfg.LockPath)
	}
	lock, err := lockfile.Acquire(c.log, cfg.LockPath)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	orch, err := engine.BuildOrchestrator(c.log, &cfg)
	if err != nil {
		_ = lock.Release()
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.doneCh = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		defer lock.Release()

		if c.bus != nil {
			c.bus.Publish(context.Background(), notify.Event{Kind: notify.EventStart, Timestamp: time.Now().UTC()})
		}

		rec, runErr := orch.Run(runCtx)
		engine.WriteRunRecord(c.log, &cfg, rec)

		if c.bus != nil {
			kind := notify.EventComplete
			if runErr != nil {
				kind = notify.EventAbort
			}
			c.bus.Publish(context.Background(), notify.Event{Kind: kind, Timestamp: time.Now().UTC(), Record: rec})
		}

		if runErr == nil {
			if samples, serr := engine.LoadPostRunSamples(&cfg); serr == nil && samples != nil {
				result := validator.Validate(rec, samples, validator.Options{MaxTemperatureIncrease: cfg.Thresholds.MaxTemperatureIncrease})
				if err := validator.ApplyTo(rec, result); err != nil {
					c.log.Warn("post-run validation failed", zap.Error(err))
				}
			}
		}

		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	return nil
}

func (c *controller) Abort(ctx context.Context, wait bool) error {
	c.mu.Lock()
	if !c.running || c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	done := c.doneCh
	c.mu.Unlock()

	cancel()

	if wait {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
