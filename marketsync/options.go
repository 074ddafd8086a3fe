package marketsync

import (
	"log/slog"
	"time"
)

// Hooks provides optional callbacks for observability around the pipeline.
// All hooks are optional; nil functions are safe no-ops.
type Hooks struct {
	OnConflictDetected func(c *DataConflict)
	OnConflictResolved func(c *DataConflict)
	OnManualReview     func(c *DataConflict)
	OnTargetDispatched func(target string, result TargetResult)
}

// strategyRule is one configured strategy override. Empty category or target
// matches any.
type strategyRule struct {
	category DataCategory
	target   string
	strategy Strategy
}

// engineOptions holds construction-time options.
type engineOptions struct {
	logger      *slog.Logger
	metrics     MetricsCollector
	priorities  PriorityTable
	hooks       Hooks
	targetHooks map[string]TargetHook
	archive     ArchiveStore
	timeout     time.Duration
	retry       *RetryConfig

	defaultStrategy Strategy
	strategyRules   []strategyRule

	transformRules []func(*Transformer)
	constraints    map[string]TargetConstraints
}

// Option implements the functional options pattern for engine construction.
type Option interface{ apply(*engineOptions) }

type optionFn func(*engineOptions)

func (f optionFn) apply(o *engineOptions) { f(o) }

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return optionFn(func(o *engineOptions) { o.logger = logger })
}

// WithMetrics sets the metrics collector. Defaults to a no-op collector.
func WithMetrics(metrics MetricsCollector) Option {
	return optionFn(func(o *engineOptions) { o.metrics = metrics })
}

// WithPriorityTable sets the static target ranking used by the
// highest-priority strategy.
func WithPriorityTable(table PriorityTable) Option {
	return optionFn(func(o *engineOptions) { o.priorities = table })
}

// WithHooks sets optional observability hooks. Zero-value safe.
func WithHooks(hooks Hooks) Option {
	return optionFn(func(o *engineOptions) { o.hooks = hooks })
}

// WithTargetHook registers a marketplace-specific resolution hook for one
// target system.
func WithTargetHook(target string, hook TargetHook) Option {
	return optionFn(func(o *engineOptions) {
		if o.targetHooks == nil {
			o.targetHooks = make(map[string]TargetHook)
		}
		o.targetHooks[target] = hook
	})
}

// WithArchive sets the store that receives terminal operation snapshots.
func WithArchive(archive ArchiveStore) Option {
	return optionFn(func(o *engineOptions) { o.archive = archive })
}

// WithTimeout bounds each Synchronize call when the caller's context carries
// no deadline of its own.
func WithTimeout(timeout time.Duration) Option {
	return optionFn(func(o *engineOptions) { o.timeout = timeout })
}

// WithRetry enables retrying of retryable gateway failures with exponential
// backoff. Without this option every target gets exactly one attempt.
func WithRetry(config *RetryConfig) Option {
	return optionFn(func(o *engineOptions) { o.retry = config })
}

// WithDefaultStrategy overrides the engine-wide default resolution strategy.
func WithDefaultStrategy(strategy Strategy) Option {
	return optionFn(func(o *engineOptions) { o.defaultStrategy = strategy })
}

// WithStrategyFor overrides the resolution strategy for conflicts matching
// the category and target. An empty category or target matches any.
func WithStrategyFor(category DataCategory, target string, strategy Strategy) Option {
	return optionFn(func(o *engineOptions) {
		o.strategyRules = append(o.strategyRules, strategyRule{
			category: category,
			target:   target,
			strategy: strategy,
		})
	})
}

// WithTransformRule registers a custom transformation rule for a
// (source, target, category) route. Rules run in registration order before
// the built-in target constraints.
func WithTransformRule(source, target string, category DataCategory, rule TransformRule) Option {
	return optionFn(func(o *engineOptions) {
		o.transformRules = append(o.transformRules, func(t *Transformer) {
			t.RegisterRule(source, target, category, rule)
		})
	})
}

// WithTargetConstraints overrides or adds built-in transform constraints for
// a target system.
func WithTargetConstraints(target string, c TargetConstraints) Option {
	return optionFn(func(o *engineOptions) {
		if o.constraints == nil {
			o.constraints = make(map[string]TargetConstraints)
		}
		o.constraints[target] = c
	})
}
