package marketsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	syncErrors "github.com/quaywork/marketsync/errors"
)

// TargetDispatcher applies a payload to one target through its marketplace
// gateway. It is the isolation boundary: any gateway error or panic is
// converted into a failed TargetResult and never propagated, so one target's
// failure cannot abort sibling targets.
//
// When a retry config is set, retryable gateway errors are retried with
// exponential backoff. Gateways signal a permanent failure by returning a
// non-retryable SyncError; plain errors count as transient.
type TargetDispatcher struct {
	gateways map[string]Gateway
	retry    *RetryConfig
	logger   *slog.Logger
}

func newTargetDispatcher(gateways map[string]Gateway, retry *RetryConfig, logger *slog.Logger) *TargetDispatcher {
	return &TargetDispatcher{gateways: gateways, retry: retry, logger: logger}
}

// Dispatch applies the payload to the target and reports a per-target
// outcome. The returned result is always usable; Success is false when no
// gateway is registered for the target, the gateway errored past its retries,
// or it panicked.
func (d *TargetDispatcher) Dispatch(ctx context.Context, entityID, target string, payload Payload, category DataCategory) (result TargetResult) {
	defer func() {
		if rec := recover(); rec != nil {
			err := syncErrors.NewDispatchError(target, fmt.Errorf("gateway panic: %v", rec))
			d.logger.Error("gateway panicked during dispatch",
				"entity_id", entityID,
				"target", target,
				"panic", rec)
			result = TargetResult{Success: false, Error: err.Error()}
		}
	}()

	gateway, ok := d.gateways[target]
	if !ok {
		err := syncErrors.NewDispatchError(target, fmt.Errorf("no gateway registered for target %q", target))
		return TargetResult{Success: false, Error: err.Error()}
	}

	var applied Payload
	err := withRetry(ctx, d.retry, func() error {
		var applyErr error
		applied, applyErr = gateway.Apply(ctx, entityID, payload, category)
		if applyErr == nil {
			return nil
		}
		// Keep the gateway's own classification when it returns a SyncError.
		var syncErr *syncErrors.SyncError
		if errors.As(applyErr, &syncErr) {
			return applyErr
		}
		return syncErrors.NewDispatchError(target, applyErr)
	})
	if err != nil {
		d.logger.Warn("gateway apply failed",
			"entity_id", entityID,
			"target", target,
			"error", err)
		return TargetResult{Success: false, Error: err.Error()}
	}

	if applied == nil {
		// Gateway did not echo state; record what we sent.
		applied = payload
	}

	return TargetResult{Success: true, AppliedPayload: applied}
}
