// Package pipeline drives one screener run through its stages: reference
// data, discovery, maturity filtering, per-source analysis waves, ranking and
// handoff to the result sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/observability"
	"github.com/sells-group/screener-cli/internal/resilience"
	"github.com/sells-group/screener-cli/internal/source"
	"github.com/sells-group/screener-cli/internal/stats"
	"github.com/sells-group/screener-cli/internal/store"
)

var (
	// ErrRunInProgress is returned when Run is called while a run is active.
	ErrRunInProgress = eris.New("pipeline: run already in progress")
	// ErrRunAborted wraps the reason a run ended before discovery completed.
	ErrRunAborted = eris.New("pipeline: run aborted")
	// ErrHandoffFailed is returned when the sink rejected the records.
	ErrHandoffFailed = eris.New("pipeline: handoff failed")
)

// Config controls a run.
type Config struct {
	// Sources lists source ids in priority order.
	Sources         []string
	QuoteCurrencies []string
	MinVolumeUSD    float64
	MinHistory      int
	// HistoryLookback is the daily window fetched for the reference series
	// and the maturity check.
	HistoryLookback time.Duration
	// Timeframes maps each analysed interval to its lookback.
	Timeframes      map[model.Interval]time.Duration
	ReferenceSymbol string
	Blacklist       []string

	BatchSize    int
	BatchTimeout time.Duration
	ItemRetry    resilience.RetryConfig
	RunTimeout   time.Duration
	// TimeframeConcurrency bounds parallel timeframe fetches per item.
	TimeframeConcurrency int
}

// Sink is the persistence the conductor needs.
type Sink interface {
	Persist(ctx context.Context, records []model.Record) (int, error)
	SaveRun(ctx context.Context, run *model.Run) error
	ListBlacklist(ctx context.Context) ([]store.BlacklistEntry, error)
}

// MetricFunc derives statistics from an asset's candles and the reference
// series.
type MetricFunc func(bundle model.Bundle, reference model.Series) (map[string]float64, error)

// Option configures a Conductor.
type Option func(*Conductor)

// WithMetrics records Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Conductor) { c.metrics = m }
}

// WithMetricFunc replaces stats.ComputeMetrics.
func WithMetricFunc(fn MetricFunc) Option {
	return func(c *Conductor) { c.computeMetrics = fn }
}

// WithOnHandoff registers a callback invoked after records were persisted.
func WithOnHandoff(fn func(persisted int)) Option {
	return func(c *Conductor) { c.onHandoff = fn }
}

// Conductor runs the pipeline. One run at a time.
type Conductor struct {
	cfg            Config
	source         source.Client
	executor       *resilience.Executor
	sink           Sink
	metrics        *observability.Metrics
	computeMetrics MetricFunc
	onHandoff      func(int)

	running atomic.Bool

	// nowFunc and newID allow test injection.
	nowFunc func() time.Time
	newID   func() string
}

// New creates a Conductor.
func New(cfg Config, src source.Client, ex *resilience.Executor, sink Sink, opts ...Option) *Conductor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = 180
	}
	if cfg.HistoryLookback <= 0 {
		cfg.HistoryLookback = time.Duration(cfg.MinHistory+1) * 24 * time.Hour
	}
	if cfg.TimeframeConcurrency <= 0 {
		cfg.TimeframeConcurrency = len(cfg.Timeframes)
	}
	c := &Conductor{
		cfg:            cfg,
		source:         src,
		executor:       ex,
		sink:           sink,
		computeMetrics: stats.ComputeMetrics,
		nowFunc:        time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Running reports whether a run is in progress.
func (c *Conductor) Running() bool {
	return c.running.Load()
}

// runState is owned by the goroutine executing Run. Stages replace its
// collections rather than mutate them.
type runState struct {
	run    *model.Run
	ledger *model.SkipLedger
	log    *zap.Logger

	reference  model.Series
	blacklist  map[string]struct{}
	active     []string
	candidates []model.Candidate
	mature     []matured
	waves      []wave
	records    []model.Record
}

// stageFunc executes one stage and returns the number of items it passed on.
type stageFunc func(ctx context.Context, st *runState) (int, error)

type stage struct {
	name model.Stage
	fn   stageFunc
	// inputs lists the ids a stage was handed, ledgered if it panics.
	inputs func(st *runState) []string
	// filters marks stages whose empty output ends the run early.
	filters bool
}

// abortError ends the run with status aborted.
type abortError struct{ reason string }

func (e *abortError) Error() string { return e.reason }

func abort(format string, args ...any) error {
	return &abortError{reason: fmt.Sprintf(format, args...)}
}

// Run executes one full pipeline run. Aborted runs return the run together
// with an error wrapping ErrRunAborted; a failed handoff returns one wrapping
// ErrHandoffFailed. Remote failures of single items never fail the run.
func (c *Conductor) Run(ctx context.Context) (*model.Run, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer c.running.Store(false)

	if c.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancel()
	}

	run := model.NewRun(c.newID(), c.nowFunc().UTC())
	st := &runState{
		run:    run,
		ledger: model.NewSkipLedger(),
		log:    zap.L().With(zap.String("run_id", run.ID)),
	}
	st.log.Info("pipeline: run starting", zap.Strings("sources", c.cfg.Sources))

	// Sources excluded by the previous run get another chance.
	c.executor.Breakers().Reset()
	c.saveRun(ctx, st)

	var runErr error
	for _, s := range c.stages() {
		run.Stage = s.name
		c.saveRun(ctx, st)

		started := c.nowFunc()
		before := st.ledger.Count()
		n, err := c.runStage(ctx, st, s)
		took := c.nowFunc().Sub(started)

		run.StageCounts[s.name] = n
		c.metrics.RecordStage(string(s.name), took, n)
		st.log.Info("pipeline: stage complete",
			zap.String("stage", string(s.name)),
			zap.Int("survivors", n),
			zap.Int("skipped", st.ledger.Count()-before),
			zap.Duration("took", took),
		)

		if err != nil {
			var ab *abortError
			switch {
			case errors.As(err, &ab):
				run.Status = model.RunStatusAborted
				run.Reason = ab.reason
				runErr = eris.Wrap(ErrRunAborted, ab.reason)
			case eris.Is(err, ErrHandoffFailed):
				run.Status = model.RunStatusFailed
				run.Reason = err.Error()
				runErr = err
			default:
				run.Status = model.RunStatusFailed
				run.Reason = err.Error()
			}
			st.log.Error("pipeline: stage ended run",
				zap.String("stage", string(s.name)), zap.String("reason", run.Reason))
			break
		}
		if ctx.Err() != nil {
			run.Status = model.RunStatusAborted
			run.Reason = fmt.Sprintf("cancelled during stage %s: %v", s.name, ctx.Err())
			runErr = eris.Wrap(ErrRunAborted, run.Reason)
			break
		}
		if s.filters && n == 0 {
			run.Reason = fmt.Sprintf("no eligible items after stage %s", s.name)
			st.log.Warn("pipeline: short-circuit", zap.String("reason", run.Reason))
			break
		}
	}

	c.finish(st)
	return run, runErr
}

func (c *Conductor) stages() []stage {
	return []stage{
		{name: model.StagePrereqs, fn: c.prereqs},
		{name: model.StageDiscover, fn: c.discover, filters: true},
		{name: model.StageMaturityFilter, fn: c.maturityFilter, filters: true, inputs: candidateIDs},
		{name: model.StageWaveSplit, fn: c.waveSplit, filters: true, inputs: matureIDs},
		{name: model.StageWaveAnalysis, fn: c.waveAnalysis, filters: true, inputs: waveIDs},
		{name: model.StageRank, fn: c.rank, inputs: recordIDs},
		{name: model.StageHandoff, fn: c.handoff, inputs: recordIDs},
	}
}

// runStage calls the stage, converting a panic into a failed run with every
// input item ledgered.
func (c *Conductor) runStage(ctx context.Context, st *runState, s stage) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("%s (%s)", model.ReasonUnexpected, s.name)
			if s.inputs != nil {
				for _, id := range s.inputs(st) {
					if !st.ledger.Contains(id) {
						st.ledger.Add(reason, id)
					}
				}
			}
			st.log.Error("pipeline: stage panicked",
				zap.String("stage", string(s.name)),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			n, err = 0, eris.Errorf("panic in stage %s: %v", s.name, r)
		}
	}()
	return s.fn(ctx, st)
}

// finish stamps the terminal fields, persists the run record and logs the
// summary. Always called.
func (c *Conductor) finish(st *runState) {
	run := st.run
	if !run.Status.Terminal() {
		run.Status = model.RunStatusComplete
	}
	run.Stage = model.StageDone
	run.FinishedAt = c.nowFunc().UTC()
	run.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	run.Skipped = st.ledger.Counts()
	run.SkippedTotal = st.ledger.Count()

	// The run's own context may be spent; the record must still land.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.saveRun(saveCtx, st)

	c.metrics.RecordSkips(run.Skipped)
	c.metrics.RecordRun(string(run.Status), run.Persisted, run.FinishedAt)

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("processed", run.Processed()),
		zap.Int("found", run.Found),
		zap.Int("mature", run.Mature),
		zap.Int("analyzed", run.Analyzed),
		zap.Int("persisted", run.Persisted),
		zap.Int("skipped", run.SkippedTotal),
		zap.Int("fallback_success", run.FallbackSuccess),
		zap.Duration("duration", time.Duration(run.DurationMs)*time.Millisecond),
	}
	if run.Reason != "" {
		fields = append(fields, zap.String("reason", run.Reason))
	}
	st.log.Info("pipeline: run summary", fields...)
	for _, reason := range st.ledger.Reasons() {
		st.log.Info("pipeline: skipped",
			zap.String("reason", reason),
			zap.Int("count", st.ledger.Len(reason)),
		)
	}
}

func (c *Conductor) saveRun(ctx context.Context, st *runState) {
	st.run.Skipped = st.ledger.Counts()
	st.run.SkippedTotal = st.ledger.Count()
	if err := c.sink.SaveRun(ctx, st.run); err != nil {
		st.log.Warn("pipeline: failed to save run record",
			zap.String("stage", string(st.run.Stage)), zap.Error(err))
	}
}

func candidateIDs(st *runState) []string {
	out := make([]string, len(st.candidates))
	for i, c := range st.candidates {
		out[i] = c.ID
	}
	return out
}

func matureIDs(st *runState) []string {
	out := make([]string, len(st.mature))
	for i, m := range st.mature {
		out[i] = m.cand.ID
	}
	return out
}

func waveIDs(st *runState) []string {
	var out []string
	for _, w := range st.waves {
		for _, m := range w.items {
			out = append(out, m.cand.ID)
		}
	}
	return out
}

func recordIDs(st *runState) []string {
	out := make([]string, len(st.records))
	for i, r := range st.records {
		out[i] = r.Symbol
	}
	return out
}

// timeframes returns the configured intervals in a stable order.
func (c *Conductor) timeframes() []model.Interval {
	out := make([]model.Interval, 0, len(c.cfg.Timeframes))
	for tf := range c.cfg.Timeframes {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration() < out[j].Duration() })
	return out
}
