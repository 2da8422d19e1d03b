// Package forecast runs the demand forecasting pipeline: discover entities,
// load and clean their history, call the model, and upsert the result.
package forecast

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/forecast-cli/internal/model"
	"github.com/sells-group/forecast-cli/internal/resilience"
	"github.com/sells-group/forecast-cli/internal/store"
)

// Store is everything the pipeline needs from persistence.
type Store interface {
	CatalogStore
	HistoryStore
	ForecastStore
	ResolveIWASKU(ctx context.Context, asin string) (string, error)
}

// Config controls one pipeline run.
type Config struct {
	Mode                 model.RunMode
	Filter               store.EntityFilter
	HorizonDays          int
	Concurrency          int
	GroupPrefixLen       int
	GroupChannel         string
	ChannelDisplayPrefix string
	StragglerAfter       time.Duration
	MaxEntitiesPerSec    float64
	Replace              bool
	Retry                resilience.RetryConfig
}

// Pipeline wires the per-entity stages together.
type Pipeline struct {
	cfg     Config
	catalog *Catalog
	history *HistoryLoader
	adapter *Adapter
	writer  *Writer
	resolve ResolveFunc

	progressOut io.Writer
	metrics     *Metrics
	limiter     *rate.Limiter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithProgressOutput draws the live progress line on w.
func WithProgressOutput(w io.Writer) Option {
	return func(p *Pipeline) { p.progressOut = w }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New builds a Pipeline over st using m as the forecasting model.
func New(st Store, m Model, cfg Config, opts ...Option) *Pipeline {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = model.RunModeEntities
	}

	p := &Pipeline{
		cfg:     cfg,
		catalog: NewCatalog(st, cfg.Retry, cfg.GroupPrefixLen, cfg.GroupChannel),
		history: NewHistoryLoader(st, cfg.Retry),
		adapter: NewAdapter(m),
		writer:  NewWriter(st, cfg.Replace),
		resolve: retryingResolve(st.ResolveIWASKU, cfg.Retry),
	}
	if cfg.MaxEntitiesPerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxEntitiesPerSec), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func retryingResolve(fn ResolveFunc, retry resilience.RetryConfig) ResolveFunc {
	retry.OnRetry = resilience.RetryLogger("forecast.normalize", "resolve_iwasku")
	return func(ctx context.Context, asin string) (string, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
			return fn(ctx, asin)
		})
	}
}

// Discover lists the entities of the configured mode.
func (p *Pipeline) Discover(ctx context.Context) []model.Entity {
	if p.cfg.Mode == model.RunModeGroups {
		return p.catalog.Groups(ctx)
	}
	return p.catalog.Entities(ctx, p.cfg.Filter)
}

// Run forecasts every discovered entity and returns the run summary. A single
// entity's skip or failure never stops the run. Cancelling ctx stops
// dispatching new entities; entities already started run to completion and
// the partial summary is returned together with the context error.
func (p *Pipeline) Run(ctx context.Context) (*model.RunSummary, error) {
	log := zap.L().With(zap.String("component", "forecast.pipeline"), zap.String("mode", string(p.cfg.Mode)))
	start := time.Now()

	entities := p.Discover(ctx)
	summary := &model.RunSummary{Discovered: len(entities)}
	if len(entities) == 0 {
		log.Info("no entities found, nothing to forecast")
		return summary, nil
	}

	log.Info("forecasting entities",
		zap.Int("entities", len(entities)),
		zap.Int("horizon_days", p.cfg.HorizonDays),
		zap.Int("concurrency", p.cfg.Concurrency),
	)

	progress := NewProgress(p.progressOut, p.cfg.ChannelDisplayPrefix)
	resolver := NewCachedResolver(p.resolve)
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)

	var dispatchErr error
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			dispatchErr = err
			break
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				dispatchErr = err
				break
			}
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			o := p.Process(context.WithoutCancel(ctx), e, resolver.Resolve)

			mu.Lock()
			tally(summary, o)
			mu.Unlock()

			progress.Record(e.Key.SalesChannel)
			if p.metrics != nil {
				p.metrics.Observe(o)
			}
			return nil
		})
	}
	_ = g.Wait()
	progress.Finish()

	if done := summary.Written + summary.Skipped + summary.Failed; done < summary.Discovered && dispatchErr == nil {
		dispatchErr = ctx.Err()
	}

	summary.Channels = progress.Snapshot()
	summary.Elapsed = time.Since(start)
	if p.metrics != nil {
		p.metrics.ObserveRun(summary.Discovered, summary.Written, summary.Skipped, summary.Failed)
	}

	log.Info("forecasting pipeline completed",
		zap.Int("discovered", summary.Discovered),
		zap.Int("written", summary.Written),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int64("rows_written", summary.RowsWritten),
		zap.Duration("elapsed", summary.Elapsed),
	)

	if dispatchErr != nil {
		log.Warn("run interrupted before all entities were dispatched",
			zap.Int("not_started", summary.Discovered-summary.Written-summary.Skipped-summary.Failed),
			zap.Error(dispatchErr),
		)
		return summary, dispatchErr
	}
	return summary, nil
}

func tally(s *model.RunSummary, o Outcome) {
	switch o.Status {
	case StatusWritten:
		s.Written++
		s.RowsWritten += o.Rows
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}

// Process runs Load → Sanitize → Forecast → Normalize → Write for one entity
// and logs its outcome.
func (p *Pipeline) Process(ctx context.Context, e model.Entity, resolve ResolveFunc) Outcome {
	log := entityLogger(e)
	start := time.Now()

	if p.cfg.StragglerAfter > 0 {
		timer := time.AfterFunc(p.cfg.StragglerAfter, func() {
			log.Warn("entity still running", zap.Duration("after", p.cfg.StragglerAfter))
		})
		defer timer.Stop()
	}

	o := p.process(ctx, e, resolve)
	o.Elapsed = time.Since(start)

	switch o.Status {
	case StatusWritten:
		log.Debug("forecast written", zap.Int64("rows", o.Rows), zap.Duration("elapsed", o.Elapsed))
	case StatusSkipped:
		log.Info("entity skipped", zap.Stringer("stage", o.Stage), zap.String("reason", o.Reason))
	case StatusFailed:
		log.Error("entity failed", zap.Stringer("stage", o.Stage), zap.Error(o.Err))
	}
	return o
}

func (p *Pipeline) process(ctx context.Context, e model.Entity, resolve ResolveFunc) Outcome {
	history := p.history.Load(ctx, e)

	clean, err := Sanitize(history)
	if err != nil {
		var skip *SkipError
		if errors.As(err, &skip) {
			return skipped(e, skip.Stage, skip.Reason)
		}
		return failed(e, StageSanitized, err)
	}

	fc, err := p.adapter.Forecast(ctx, clean, p.cfg.HorizonDays)
	if err != nil {
		return failed(e, StageForecasted, err)
	}

	rows, err := Normalize(ctx, fc, e.Key, resolve)
	if err != nil {
		return failed(e, StageNormalized, err)
	}

	n, err := p.writer.Write(ctx, e.Key, rows)
	if err != nil {
		return failed(e, StageWritten, err)
	}
	return written(e, n)
}

func entityLogger(e model.Entity) *zap.Logger {
	log := zap.L().With(zap.String("component", "forecast.pipeline"))
	if e.IsGroup() {
		return log.With(zap.String("group", e.GroupID), zap.String("sales_channel", e.Key.SalesChannel))
	}
	return log.With(zap.String("asin", e.Key.ASIN), zap.String("sales_channel", e.Key.SalesChannel))
}

// ClearSummary reports the result of a Clear.
type ClearSummary struct {
	Entities    int   `json:"entities"`
	RowsDeleted int64 `json:"rows_deleted"`
	Failed      int   `json:"failed"`
}

// Clear deletes the forecast rows of every discovered entity. Failures are
// logged and counted; they do not stop the sweep.
func (p *Pipeline) Clear(ctx context.Context) (*ClearSummary, error) {
	entities := p.Discover(ctx)
	summary := &ClearSummary{}

	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		n, err := p.writer.Clear(ctx, e.Key)
		if err != nil {
			summary.Failed++
			entityLogger(e).Error("clear failed", zap.Error(err))
			continue
		}
		summary.Entities++
		summary.RowsDeleted += n
	}

	zap.L().Info("forecast rows cleared",
		zap.String("component", "forecast.pipeline"),
		zap.Int("entities", summary.Entities),
		zap.Int64("rows_deleted", summary.RowsDeleted),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}
