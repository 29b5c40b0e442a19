package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"blobkeeper/internal/binarydata"
	"blobkeeper/internal/config"
	"blobkeeper/internal/execution"
	"blobkeeper/internal/logger"
)

type App struct {
	Config  *config.Config
	Logger  logger.Logger
	Metrics *prometheus.Registry
	Manager *binarydata.Manager

	execOnce sync.Once
	exec     ExecutionStore
	execErr  error
}

// ExecutionStore is the part of the execution datastore pruning needs.
type ExecutionStore interface {
	ListPrunable(ctx context.Context, before time.Time, limit int) ([]binarydata.ExecutionRecord, error)
	Delete(ctx context.Context, ids []string) (int64, error)
	Close() error
}

type Option func(*App)

// WithLogger overrides the logger built from the log config.
func WithLogger(l logger.Logger) Option {
	return func(a *App) {
		a.Logger = l
	}
}

// WithExecutionStore injects the execution reader used by the prune command.
func WithExecutionStore(s ExecutionStore) Option {
	return func(a *App) {
		a.execOnce.Do(func() { a.exec = s })
	}
}

// New builds and initializes the binary data manager described by cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	a := &App{Config: cfg, Metrics: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(a)
	}
	if a.Logger == nil {
		l, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		a.Logger = l
	}

	if !cfg.ActiveModeEnabled() {
		a.Logger.Warn("active binary data mode is not enabled; payloads will be unreadable",
			zap.String("mode", cfg.BinaryData.Mode))
	}

	a.Manager = binarydata.NewManager(
		binarydata.Config{
			Mode:           cfg.BinaryData.Mode,
			AvailableModes: cfg.BinaryData.Modes(),
		},
		newRegistry(cfg, a.Logger),
		binarydata.WithLogger(a.Logger),
		binarydata.WithRegisterer(a.Metrics),
		binarydata.WithMaxConcurrency(cfg.BinaryData.MaxConcurrency),
	)
	if err := a.Manager.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize binary data manager: %w", err)
	}
	return a, nil
}

// Executions opens the execution store on first use.
func (a *App) Executions() (ExecutionStore, error) {
	a.execOnce.Do(func() {
		s, err := execution.NewPostgres(a.Config.Datastore.URI)
		if err != nil {
			a.execErr = err
			return
		}
		a.exec = s
	})
	return a.exec, a.execErr
}

type PruneResult struct {
	Executions int            `json:"executions"`
	Removed    int64          `json:"removed"`
	Binary     map[string]int `json:"binaryData"`
	Failed     []string       `json:"failed,omitempty"`
}

// Prune deletes the binary data of up to limit finished executions that
// stopped before cutoff, then deletes the execution rows themselves.
// Executions whose binary data could not be fully released are kept so a
// later run can retry them.
func (a *App) Prune(ctx context.Context, cutoff time.Time, limit int) (*PruneResult, error) {
	store, err := a.Executions()
	if err != nil {
		return nil, err
	}
	records, err := store.ListPrunable(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list prunable executions: %w", err)
	}
	res := &PruneResult{Executions: len(records), Binary: map[string]int{}}
	if len(records) == 0 {
		return res, nil
	}

	report, err := a.Manager.DeleteForExecutionBatch(ctx, records)
	if err != nil {
		return nil, err
	}
	for status, n := range report.Counts() {
		res.Binary[string(status)] = n
	}

	blocked := map[string]bool{}
	for id := range report.DecodeErrors {
		blocked[id] = true
	}
	if len(report.Failed()) > 0 {
		// Failures are per identifier, not per execution; keep the whole batch.
		for _, rec := range records {
			blocked[rec.ID] = true
		}
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if blocked[rec.ID] {
			res.Failed = append(res.Failed, rec.ID)
			continue
		}
		ids = append(ids, rec.ID)
	}
	res.Removed, err = store.Delete(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("failed to delete executions: %w", err)
	}
	a.Logger.Info("pruned executions",
		zap.Int("listed", res.Executions),
		zap.Int64("removed", res.Removed),
		zap.Int("kept", len(res.Failed)))
	return res, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Manager != nil {
		errs = append(errs, a.Manager.Close())
	}
	if a.exec != nil {
		errs = append(errs, a.exec.Close())
	}
	return errors.Join(errs...)
}
