package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"inboxbot/internal/domain"
)

// JanitorConfig configures periodic pruning of expired keys.
type JanitorConfig struct {
	Store    domain.KVStore
	Schedule string // cron expression, e.g. "@every 1m"
	Logger   *slog.Logger
	OnPrune  func(n int) // optional hook for metrics
}

// Janitor runs Store.Prune on a cron schedule so expired entries do not
// accumulate between reads.
type Janitor struct {
	cron    *cron.Cron
	store   domain.KVStore
	logger  *slog.Logger
	onPrune func(int)
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		store:   cfg.Store,
		logger:  cfg.Logger,
		onPrune: cfg.OnPrune,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.run); err != nil {
		cancel()
		return nil, err
	}
	return j, nil
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(j.ctx, 30*time.Second)
	defer cancel()
	n, err := j.store.Prune(ctx)
	if err != nil {
		j.logger.Warn("kv prune failed", "err", err)
		return
	}
	if n > 0 {
		j.logger.Debug("kv pruned", "keys", n)
	}
	if j.onPrune != nil {
		j.onPrune(n)
	}
}

// RunOnce prunes immediately, outside the schedule.
func (j *Janitor) RunOnce() { j.run() }

func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("kv janitor started")
}

// Stop waits for a running prune to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.cancel()
	j.logger.Info("kv janitor stopped")
}
