package indengine

import (
	"errors"
	"fmt"
	"log/slog"

	"trading-console/internal/barstore"
	"trading-console/internal/indicator"
	"trading-console/internal/metrics"
	"trading-console/internal/model"
)

// Config configures the indicator pipelines.
type Config struct {
	Timeframes []model.Timeframe
	Capacity   int // bars kept per timeframe
	Params     indicator.Params
	Session    indicator.SessionFunc // nil = exchange calendar day
}

// DefaultConfig returns 10s and 30s pipelines of 500 bars with EMA(9) and MACD(12,26,9).
func DefaultConfig() Config {
	return Config{
		Timeframes: model.Timeframes,
		Capacity:   barstore.DefaultCapacity,
		Params:     indicator.DefaultParams(),
	}
}

// Service owns one independent Pipeline per timeframe.
type Service struct {
	cfg       Config
	pipelines map[model.Timeframe]*Pipeline
}

// New creates the pipelines described by cfg.
func New(cfg Config, log *slog.Logger, prom *metrics.Metrics) *Service {
	engine := indicator.NewEngine(cfg.Params, cfg.Session)
	svc := &Service{
		cfg:       cfg,
		pipelines: make(map[model.Timeframe]*Pipeline, len(cfg.Timeframes)),
	}
	for _, tf := range cfg.Timeframes {
		svc.pipelines[tf] = NewPipeline(tf, cfg.Capacity, engine, log, prom)
	}
	return svc
}

// Pipeline returns the pipeline for tf.
func (svc *Service) Pipeline(tf model.Timeframe) (*Pipeline, error) {
	p, ok := svc.pipelines[tf]
	if !ok {
		return nil, fmt.Errorf("timeframe %s not configured", tf)
	}
	return p, nil
}

// Timeframes returns the configured timeframes, in configuration order.
func (svc *Service) Timeframes() []model.Timeframe {
	return svc.cfg.Timeframes
}

// OnSnapshot registers fn on every pipeline.
func (svc *Service) OnSnapshot(fn func(model.IndicatorSnapshot)) {
	for _, p := range svc.pipelines {
		p.OnSnapshot = fn
	}
}

// Flush closes the pending bar of every pipeline. A pipeline that cannot
// store its pending bar does not stop the others; every failure is joined
// into the returned error.
func (svc *Service) Flush() error {
	var errs []error
	for _, tf := range svc.cfg.Timeframes {
		if _, err := svc.pipelines[tf].Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", tf, err))
		}
	}
	return errors.Join(errs...)
}
