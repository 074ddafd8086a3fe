package marketsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	syncErrors "github.com/quaywork/marketsync/errors"
)

// Engine is the synchronization orchestrator. It owns the operation
// lifecycle: one synchronous validation pass, then a concurrent per-target
// pipeline of Transform, Detect, Resolve and Dispatch, followed by a join
// that derives the aggregate operation status.
//
// Collaborators are injected at construction; the engine holds no process-wide
// state. Operations and pending conflicts live in memory for the engine's
// lifetime; durable persistence is the host's concern (see ArchiveStore).
type Engine struct {
	mu         sync.RWMutex
	operations map[string]*SyncOperation
	closed     bool

	lookup  StateLookup
	pending *pendingIndex

	validator   *Validator
	transformer *Transformer
	detector    *ConflictDetector
	resolver    *Resolver
	dispatcher  *TargetDispatcher

	defaultStrategy Strategy
	strategyRules   []strategyRule

	logger  *slog.Logger
	metrics MetricsCollector
	hooks   Hooks
	archive ArchiveStore
	timeout time.Duration
}

// New constructs an Engine. Gateways are keyed by target system name; a
// Synchronize call naming a target with no registered gateway records a
// failed result for that target. The state lookup is required.
func New(gateways map[string]Gateway, lookup StateLookup, opts ...Option) (*Engine, error) {
	if lookup == nil {
		return nil, fmt.Errorf("state lookup is required")
	}

	cfg := &engineOptions{
		defaultStrategy: StrategyLatestWins,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = &NoOpMetricsCollector{}
	}
	if !cfg.defaultStrategy.Valid() {
		return nil, fmt.Errorf("invalid default strategy %q", cfg.defaultStrategy)
	}
	for _, rule := range cfg.strategyRules {
		if !rule.strategy.Valid() {
			return nil, fmt.Errorf("invalid strategy %q for category %q target %q",
				rule.strategy, rule.category, rule.target)
		}
	}

	gw := make(map[string]Gateway, len(gateways))
	for target, g := range gateways {
		gw[target] = g
	}

	transformer := NewTransformer()
	for target, c := range cfg.constraints {
		transformer.SetConstraints(target, c)
	}
	for _, register := range cfg.transformRules {
		register(transformer)
	}

	pending := newPendingIndex()

	e := &Engine{
		operations:      make(map[string]*SyncOperation),
		lookup:          lookup,
		pending:         pending,
		validator:       NewValidator(),
		transformer:     transformer,
		dispatcher:      newTargetDispatcher(gw, cfg.retry, cfg.logger),
		defaultStrategy: cfg.defaultStrategy,
		strategyRules:   cfg.strategyRules,
		logger:          cfg.logger,
		metrics:         cfg.metrics,
		hooks:           cfg.hooks,
		archive:         cfg.archive,
		timeout:         cfg.timeout,
	}
	e.detector = newConflictDetector(lookup, pending, e.strategyFor, cfg.logger)
	e.resolver = newResolver(cfg.priorities, cfg.targetHooks, pending, cfg.logger)

	return e, nil
}

// strategyFor picks the resolution strategy for conflicts in the given
// category at the given target: first matching configured rule wins, else
// the engine default.
func (e *Engine) strategyFor(category DataCategory, target string) Strategy {
	for _, rule := range e.strategyRules {
		if rule.category != "" && rule.category != category {
			continue
		}
		if rule.target != "" && rule.target != target {
			continue
		}
		return rule.strategy
	}
	return e.defaultStrategy
}

// targetOutcome carries one target's pipeline result to the join.
type targetOutcome struct {
	result    TargetResult
	conflicts []*DataConflict
}

// Synchronize fans the payload out to every requested target and returns the
// completed operation. Per-target failures are contained in the operation's
// results; the returned error is non-nil only when the engine is closed.
//
// Validation failures terminate the operation as Failed before any target is
// contacted. No partial application is rolled back on a later target's
// failure; outcomes are independent and final per target.
func (e *Engine) Synchronize(ctx context.Context, entityID string, category DataCategory, source string, targets []string, payload Payload) (op *SyncOperation, err error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		closedErr := syncErrors.New(syncErrors.OpSynchronize, fmt.Errorf("engine is closed"))
		e.logger.Error("synchronize rejected: engine is closed", "error", closedErr)
		return nil, closedErr
	}
	e.mu.RUnlock()

	start := time.Now()
	op = newOperation(entityID, category, source, targets)
	op.StartedAt = start.UTC()

	e.mu.Lock()
	e.operations[op.OperationID] = op
	e.mu.Unlock()

	logger := e.logger.With(
		"operation_id", op.OperationID,
		"entity_id", entityID,
		"category", string(category),
	)

	defer func() {
		e.metrics.RecordSyncDuration(category, time.Since(start))
		if rec := recover(); rec != nil {
			// Catastrophic orchestration failure: the operation still
			// reaches a terminal state.
			internal := syncErrors.NewInternalError(syncErrors.OpSynchronize, fmt.Errorf("panic: %v", rec))
			logger.Error("synchronize panicked", "panic", rec)
			e.metrics.RecordSyncErrors("synchronize", "panic")
			e.mu.Lock()
			op.ErrorMessage = internal.Error()
			op.complete(StatusFailed, time.Now().UTC())
			e.mu.Unlock()
			err = nil
		}
		e.archiveIfTerminal(ctx, op)
	}()

	logger.Info("starting synchronization",
		"source", source,
		"targets", targets,
	)

	if msg := e.validateRequest(entityID, category, targets, payload); msg != "" {
		logger.Warn("synchronization rejected by validation", "reason", msg)
		e.metrics.RecordSyncErrors("synchronize", "validation_failure")
		e.mu.Lock()
		op.ErrorMessage = msg
		op.complete(StatusFailed, time.Now().UTC())
		e.mu.Unlock()
		return op, nil
	}

	e.mu.Lock()
	op.Status = StatusInProgress
	e.mu.Unlock()

	fanCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	outcomes := make([]targetOutcome, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			outcomes[i] = e.runTarget(fanCtx, logger, entityID, source, target, category, payload)
			return nil
		})
	}
	// The group is a join, not a race: per-target failures are captured in
	// the outcome slots and never cancel sibling targets.
	_ = g.Wait()

	succeeded, failed := 0, 0
	e.mu.Lock()
	for i, target := range targets {
		op.Results[target] = outcomes[i].result
		op.Conflicts = append(op.Conflicts, outcomes[i].conflicts...)
		if outcomes[i].result.Success {
			succeeded++
		} else {
			failed++
		}
	}

	// Conflicts can upgrade a fully successful run to Conflict, but a
	// Partial or Failed outcome is not overridden: failure dominates.
	var status SyncStatus
	switch {
	case failed == 0 && len(op.Conflicts) == 0:
		status = StatusCompleted
	case failed == 0:
		status = StatusConflict
	case succeeded > 0:
		status = StatusPartial
	default:
		status = StatusFailed
		op.ErrorMessage = "all targets failed"
	}
	op.complete(status, time.Now().UTC())
	e.mu.Unlock()

	logger.Info("synchronization finished",
		"status", string(status),
		"succeeded", succeeded,
		"failed", failed,
		"conflicts", len(op.Conflicts),
		"duration", time.Since(start),
	)

	return op, nil
}

// runTarget executes the sequential per-target pipeline: Transform, Detect,
// Resolve, Dispatch. Any failure, including a collaborator panic, is
// captured as this target's failed result and never escapes.
func (e *Engine) runTarget(ctx context.Context, logger *slog.Logger, entityID, source, target string, category DataCategory, payload Payload) (outcome targetOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("target pipeline panicked",
				"target", target,
				"panic", rec)
			e.metrics.RecordSyncErrors("synchronize", "target_panic")
			outcome = targetOutcome{result: TargetResult{
				Success: false,
				Error:   fmt.Sprintf("target pipeline panic: %v", rec),
			}}
		}
	}()

	// Custom mapping rules run before detection; the lossy built-in
	// constraints run after resolution, so conflict candidates carry the
	// caller's values rather than rounded or truncated renditions.
	mapped := e.transformer.ApplyRules(payload, source, target, category)

	detection, err := e.detector.Detect(ctx, entityID, target, mapped, category)
	if err != nil {
		logger.Warn("conflict detection failed",
			"target", target,
			"error", err)
		e.metrics.RecordSyncErrors("detect", "state_lookup_failure")
		return targetOutcome{result: TargetResult{Success: false, Error: err.Error()}}
	}

	dispatchPayload := mapped
	if detection.HasConflicts {
		e.metrics.RecordConflictsDetected(len(detection.Conflicts))
		for _, c := range detection.Conflicts {
			if e.hooks.OnConflictDetected != nil {
				e.hooks.OnConflictDetected(c)
			}
		}

		resolved, deferred, resolveErr := e.resolver.ResolveAll(ctx, mapped, detection.Conflicts)
		if resolveErr != nil {
			logger.Warn("conflict resolution failed",
				"target", target,
				"error", resolveErr)
			e.metrics.RecordSyncErrors("resolve", "resolution_failure")
			return targetOutcome{
				result:    TargetResult{Success: false, Error: resolveErr.Error()},
				conflicts: detection.Conflicts,
			}
		}

		resolvedCount := 0
		for _, c := range detection.Conflicts {
			if _, resolved := c.Resolution(); resolved {
				resolvedCount++
				if e.hooks.OnConflictResolved != nil {
					e.hooks.OnConflictResolved(c)
				}
			}
		}
		if resolvedCount > 0 {
			e.metrics.RecordConflictsResolved(resolvedCount)
		}
		if len(deferred) > 0 {
			e.metrics.RecordManualReview(len(deferred))
			for _, c := range deferred {
				if e.hooks.OnManualReview != nil {
					e.hooks.OnManualReview(c)
				}
			}
		}

		dispatchPayload = resolved
	}

	dispatchPayload = e.transformer.ApplyConstraints(dispatchPayload, target, category)

	result := e.dispatcher.Dispatch(ctx, entityID, target, dispatchPayload, category)
	e.metrics.RecordTargetOutcome(target, result.Success)
	if e.hooks.OnTargetDispatched != nil {
		e.hooks.OnTargetDispatched(target, result)
	}

	return targetOutcome{result: result, conflicts: detection.Conflicts}
}

// validateRequest applies the input constraints and the category payload
// rules. It returns a human-readable reason, or "" when the request is
// acceptable.
func (e *Engine) validateRequest(entityID string, category DataCategory, targets []string, payload Payload) string {
	if entityID == "" {
		return "entity id must not be empty"
	}
	if len(targets) == 0 {
		return "at least one target system is required"
	}
	seen := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		if target == "" {
			return "target system names must not be empty"
		}
		if _, dup := seen[target]; dup {
			return fmt.Sprintf("duplicate target system %q", target)
		}
		seen[target] = struct{}{}
	}

	if result := e.validator.Validate(category, payload); !result.Valid {
		return fmt.Sprintf("payload validation failed: %v", result.Errors)
	}
	return ""
}

// GetOperation returns the operation with the given id, or nil.
func (e *Engine) GetOperation(operationID string) *SyncOperation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.operations[operationID]
}

// ListActiveOperations returns every operation that has not yet reached a
// terminal state.
func (e *Engine) ListActiveOperations() []*SyncOperation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var active []*SyncOperation
	for _, op := range e.operations {
		if !op.Status.Terminal() {
			active = append(active, op)
		}
	}
	return active
}

// GetConflict returns a pending conflict by id.
func (e *Engine) GetConflict(conflictID string) (*DataConflict, bool) {
	return e.pending.get(conflictID)
}

// ListPendingConflicts returns every conflict awaiting out-of-band
// resolution.
func (e *Engine) ListPendingConflicts() []*DataConflict {
	return e.pending.list()
}

// ResolveConflict resolves a pending conflict out of band. With
// StrategyManualReview (or an empty strategy) the supplied manual value
// wins; any other strategy is computed over the conflict's candidates. It
// returns false, leaving all other pending conflicts untouched, when the id
// is not in the pending index or the strategy fails.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy Strategy, manualValue any) bool {
	conflict, ok := e.pending.get(conflictID)
	if !ok {
		unknownErr := syncErrors.NewUnknownConflictError(conflictID)
		e.logger.Warn("resolve requested for unknown conflict",
			"conflict_id", conflictID,
			"error", unknownErr)
		e.metrics.RecordSyncErrors("resolve", "unknown_conflict")
		return false
	}

	if strategy == "" {
		strategy = StrategyManualReview
	}

	var value any
	if strategy == StrategyManualReview {
		value = manualValue
	} else {
		res, err := e.resolver.Resolve(ctx, conflict, strategy)
		if err != nil || res.Deferred {
			e.logger.Warn("out-of-band resolution failed",
				"conflict_id", conflictID,
				"strategy", string(strategy),
				"error", err)
			e.metrics.RecordSyncErrors("resolve", "resolution_failure")
			return false
		}
		value = res.Value
	}

	conflict.setStrategy(strategy)
	e.resolver.apply(conflict, value)
	e.metrics.RecordConflictsResolved(1)
	if e.hooks.OnConflictResolved != nil {
		e.hooks.OnConflictResolved(conflict)
	}

	e.logger.Info("conflict resolved out of band",
		"conflict_id", conflictID,
		"field", conflict.FieldName,
		"target", conflict.TargetSystem,
		"strategy", string(strategy))
	return true
}

// Close shuts the engine down. In-memory operations are discarded; the
// archive store, when configured, is closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.archive != nil {
		if err := e.archive.Close(); err != nil {
			return syncErrors.NewWithComponent(syncErrors.OpClose, "archive", err)
		}
	}
	return nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// archiveIfTerminal snapshots a terminal operation into the configured
// archive. Archive failures are logged and recorded, never surfaced to the
// caller.
func (e *Engine) archiveIfTerminal(ctx context.Context, op *SyncOperation) {
	if e.archive == nil || op == nil {
		return
	}
	e.mu.RLock()
	terminal := op.Status.Terminal()
	e.mu.RUnlock()
	if !terminal {
		return
	}

	if err := e.archive.SaveOperation(ctx, op); err != nil {
		storageErr := syncErrors.NewStorageError(syncErrors.OpArchive, err)
		e.logger.Error("failed to archive operation",
			"operation_id", op.OperationID,
			"error", storageErr)
		e.metrics.RecordSyncErrors("archive", "storage_failure")
	}
}
