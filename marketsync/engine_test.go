package marketsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaywork/marketsync/logging"
)

// recordingGateway counts Apply calls and remembers the last payload it was
// handed. It can be scripted to fail or panic.
type recordingGateway struct {
	mu       sync.Mutex
	calls    int
	last     Payload
	err      error
	panicMsg string
}

func (g *recordingGateway) Apply(ctx context.Context, entityID string, payload Payload, category DataCategory) (Payload, error) {
	g.mu.Lock()
	g.calls++
	g.last = payload.Clone()
	g.mu.Unlock()

	if g.panicMsg != "" {
		panic(g.panicMsg)
	}
	if g.err != nil {
		return nil, g.err
	}
	return payload, nil
}

func (g *recordingGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *recordingGateway) lastPayload() Payload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// routedLookup returns per-target last-known state.
type routedLookup map[string]Payload

func (r routedLookup) GetLastKnownState(ctx context.Context, entityID, target string, category DataCategory) (Payload, error) {
	if state, ok := r[target]; ok {
		return state.Clone(), nil
	}
	return nil, nil
}

func newTestEngine(t *testing.T, gateways map[string]Gateway, lookup StateLookup, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Silence())}, opts...)
	engine, err := New(gateways, lookup, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestNew_RequiresStateLookup(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestNew_RejectsInvalidStrategies(t *testing.T) {
	_, err := New(nil, routedLookup{}, WithDefaultStrategy(Strategy("coin_flip")))
	require.Error(t, err)

	_, err = New(nil, routedLookup{}, WithStrategyFor(CategoryPricing, "ebay", Strategy("coin_flip")))
	require.Error(t, err)
}

func TestEngine_ValidationFailureContactsNoTargets(t *testing.T) {
	gw := &recordingGateway{}
	engine := newTestEngine(t, map[string]Gateway{"ebay": gw}, routedLookup{})

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryPricing, "erp",
		[]string{"ebay"}, Payload{"currency": "EUR"}) // price missing
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, op.Status)
	assert.NotEmpty(t, op.ErrorMessage)
	assert.Empty(t, op.Results)
	assert.NotNil(t, op.CompletedAt)
	assert.Equal(t, 0, gw.callCount(), "no gateway may be contacted after a validation failure")
}

func TestEngine_RejectsBadTargetLists(t *testing.T) {
	engine := newTestEngine(t, nil, routedLookup{})
	payload := Payload{"price": 10.0}

	tests := []struct {
		name    string
		entity  string
		targets []string
	}{
		{"empty entity id", "", []string{"ebay"}},
		{"no targets", "sku-1", nil},
		{"empty target name", "sku-1", []string{"ebay", ""}},
		{"duplicate target", "sku-1", []string{"ebay", "ebay"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := engine.Synchronize(context.Background(), tt.entity, CategoryPricing, "erp", tt.targets, payload)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, op.Status)
			assert.NotEmpty(t, op.ErrorMessage)
		})
	}
}

func TestEngine_FirstWriteCompletesWithoutConflicts(t *testing.T) {
	amazon := &recordingGateway{}
	ebay := &recordingGateway{}
	engine := newTestEngine(t, map[string]Gateway{"amazon": amazon, "ebay": ebay}, routedLookup{})

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"amazon", "ebay"}, Payload{"quantity": 5})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, op.Status)
	assert.Empty(t, op.Conflicts)
	require.Len(t, op.Results, 2)
	for target, result := range op.Results {
		assert.True(t, result.Success, "target %s", target)
		assert.NotNil(t, result.AppliedPayload)
	}
	assert.Equal(t, 1, amazon.callCount())
	assert.Equal(t, 1, ebay.callCount())
}

func TestEngine_PricingConflictScenario(t *testing.T) {
	// eBay last saw 19.50; pushing 19.999 raises a price conflict there.
	// Latest-wins resolves to 19.999 and the dispatched price is rounded to
	// the marketplace's two-decimal limit.
	amazon := &recordingGateway{}
	ebay := &recordingGateway{}
	walmart := &recordingGateway{}
	engine := newTestEngine(t,
		map[string]Gateway{"amazon": amazon, "ebay": ebay, "walmart": walmart},
		routedLookup{"ebay": Payload{"price": 19.50}},
	)

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryPricing, "erp",
		[]string{"amazon", "ebay", "walmart"}, Payload{"price": 19.999})
	require.NoError(t, err)

	assert.Equal(t, StatusConflict, op.Status)
	require.Len(t, op.Results, 3)
	for target, result := range op.Results {
		assert.True(t, result.Success, "target %s", target)
	}

	require.Len(t, op.Conflicts, 1)
	c := op.Conflicts[0]
	assert.Equal(t, "ebay", c.TargetSystem)
	assert.Equal(t, "price", c.FieldName)
	assert.Equal(t, 19.50, c.CandidateValues["ebay"])
	assert.Equal(t, 19.999, c.Incoming(), "candidates carry the caller's value, not the rounded one")
	assert.True(t, c.Resolved)
	assert.Equal(t, 19.999, c.ResolvedValue)

	assert.Equal(t, 20.0, ebay.lastPayload()["price"])
	assert.Equal(t, 20.0, amazon.lastPayload()["price"])

	assert.Empty(t, engine.ListPendingConflicts(), "latest-wins leaves nothing pending")
}

func TestEngine_PartialWhenSomeTargetsFail(t *testing.T) {
	healthy := &recordingGateway{}
	broken := &recordingGateway{err: errors.New("503 from marketplace")}
	engine := newTestEngine(t, map[string]Gateway{
		"amazon":  healthy,
		"ebay":    broken,
		"walmart": &recordingGateway{},
	}, routedLookup{})

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"amazon", "ebay", "walmart"}, Payload{"quantity": 3})
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, op.Status)
	require.Len(t, op.Results, 3, "every requested target gets a result entry")
	assert.True(t, op.Results["amazon"].Success)
	assert.True(t, op.Results["walmart"].Success)
	assert.False(t, op.Results["ebay"].Success)
	assert.Contains(t, op.Results["ebay"].Error, "503")
}

func TestEngine_FailedWhenAllTargetsFail(t *testing.T) {
	engine := newTestEngine(t, map[string]Gateway{
		"amazon": &recordingGateway{err: errors.New("down")},
		"ebay":   &recordingGateway{err: errors.New("down")},
	}, routedLookup{})

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"amazon", "ebay"}, Payload{"quantity": 3})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, "all targets failed", op.ErrorMessage)
}

func TestEngine_GatewayPanicIsIsolated(t *testing.T) {
	engine := newTestEngine(t, map[string]Gateway{
		"amazon": &recordingGateway{},
		"ebay":   &recordingGateway{panicMsg: "corrupt response"},
	}, routedLookup{})

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"amazon", "ebay"}, Payload{"quantity": 3})
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, op.Status)
	assert.True(t, op.Results["amazon"].Success)
	assert.False(t, op.Results["ebay"].Success)
	assert.Contains(t, op.Results["ebay"].Error, "panic")
}

func TestEngine_UnregisteredTargetFailsThatTargetOnly(t *testing.T) {
	engine := newTestEngine(t, map[string]Gateway{"amazon": &recordingGateway{}}, routedLookup{})

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"amazon", "etsy"}, Payload{"quantity": 3})
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, op.Status)
	assert.True(t, op.Results["amazon"].Success)
	assert.False(t, op.Results["etsy"].Success)
}

func TestEngine_ManualReviewLifecycle(t *testing.T) {
	ebay := &recordingGateway{}
	engine := newTestEngine(t,
		map[string]Gateway{"ebay": ebay},
		routedLookup{"ebay": Payload{"price": 19.50}},
		WithStrategyFor(CategoryPricing, "ebay", StrategyManualReview),
	)

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryPricing, "erp",
		[]string{"ebay"}, Payload{"price": 19.999})
	require.NoError(t, err)

	// The pipeline never blocks on review: the incoming value is pushed and
	// the conflict stays open for an out-of-band decision.
	assert.Equal(t, StatusConflict, op.Status)
	assert.True(t, op.Results["ebay"].Success)
	assert.Equal(t, 20.0, ebay.lastPayload()["price"])

	pendingList := engine.ListPendingConflicts()
	require.Len(t, pendingList, 1)
	c := pendingList[0]
	assert.False(t, c.Resolved)
	assert.Equal(t, StrategyManualReview, c.Strategy)

	got, ok := engine.GetConflict(c.ConflictID)
	require.True(t, ok)
	assert.Equal(t, c, got)

	require.True(t, engine.ResolveConflict(context.Background(), c.ConflictID, "", 19.75))
	assert.True(t, c.Resolved)
	assert.Equal(t, 19.75, c.ResolvedValue)
	require.NotNil(t, c.ResolvedAt)
	assert.Empty(t, engine.ListPendingConflicts())
}

func TestEngine_ResolveConflictWithComputedStrategy(t *testing.T) {
	engine := newTestEngine(t,
		map[string]Gateway{"amazon": &recordingGateway{}},
		routedLookup{"amazon": Payload{"title": "Stored"}},
		WithStrategyFor(CategoryListing, "", StrategyManualReview),
		WithPriorityTable(StaticPriorityTable{"amazon": 3}),
	)

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryListing, "erp",
		[]string{"amazon"}, Payload{"title": "Fresh", "description": "d"})
	require.NoError(t, err)
	require.Equal(t, StatusConflict, op.Status)

	pendingList := engine.ListPendingConflicts()
	require.Len(t, pendingList, 1)
	c := pendingList[0]

	// Re-resolving with highest-priority picks the ranked amazon candidate.
	require.True(t, engine.ResolveConflict(context.Background(), c.ConflictID, StrategyHighestPriority, nil))
	assert.Equal(t, "Stored", c.ResolvedValue)
	assert.Equal(t, StrategyHighestPriority, c.Strategy)
}

func TestEngine_ConcurrentResolutionAndOperationReads(t *testing.T) {
	// A host may watch a terminal operation's conflicts while another caller
	// resolves one of them out of band; resolution state reads must stay
	// consistent throughout.
	engine := newTestEngine(t,
		map[string]Gateway{"ebay": &recordingGateway{}},
		routedLookup{"ebay": Payload{"price": 19.50}},
		WithStrategyFor(CategoryPricing, "", StrategyManualReview),
	)

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryPricing, "erp",
		[]string{"ebay"}, Payload{"price": 19.999})
	require.NoError(t, err)
	require.Len(t, op.Conflicts, 1)
	c := op.Conflicts[0]

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			stored := engine.GetOperation(op.OperationID).Conflicts[0]
			if value, resolved := stored.Resolution(); resolved && value != 19.75 {
				t.Errorf("observed resolved conflict with wrong value %v", value)
				return
			}
			strategy, _, at, resolved := stored.ResolutionRecord()
			if resolved && (at == nil || strategy != StrategyManualReview) {
				t.Errorf("inconsistent resolution snapshot: strategy=%s at=%v", strategy, at)
				return
			}
		}
	}()

	require.True(t, engine.ResolveConflict(context.Background(), c.ConflictID, "", 19.75))
	<-done

	value, resolved := c.Resolution()
	assert.True(t, resolved)
	assert.Equal(t, 19.75, value)
}

func TestEngine_ResolveConflictUnknownID(t *testing.T) {
	engine := newTestEngine(t,
		map[string]Gateway{"ebay": &recordingGateway{}},
		routedLookup{"ebay": Payload{"price": 19.50}},
		WithStrategyFor(CategoryPricing, "", StrategyManualReview),
	)

	_, err := engine.Synchronize(context.Background(), "sku-1", CategoryPricing, "erp",
		[]string{"ebay"}, Payload{"price": 19.999})
	require.NoError(t, err)
	require.Len(t, engine.ListPendingConflicts(), 1)

	assert.False(t, engine.ResolveConflict(context.Background(), "no-such-conflict", "", 1.0))
	assert.Len(t, engine.ListPendingConflicts(), 1, "other pending conflicts stay untouched")
}

func TestEngine_StrategyRuleRouting(t *testing.T) {
	// Pricing conflicts anywhere defer to review; everything else keeps the
	// latest-wins default.
	engine := newTestEngine(t,
		map[string]Gateway{"ebay": &recordingGateway{}},
		routedLookup{"ebay": Payload{"price": 19.50, "quantity": 7.0}},
		WithStrategyFor(CategoryPricing, "", StrategyManualReview),
	)

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"ebay"}, Payload{"quantity": 9})
	require.NoError(t, err)
	require.Len(t, op.Conflicts, 1)
	assert.Equal(t, StrategyLatestWins, op.Conflicts[0].Strategy)
	assert.True(t, op.Conflicts[0].Resolved)

	op, err = engine.Synchronize(context.Background(), "sku-1", CategoryPricing, "erp",
		[]string{"ebay"}, Payload{"price": 21.00})
	require.NoError(t, err)
	require.Len(t, op.Conflicts, 1)
	assert.Equal(t, StrategyManualReview, op.Conflicts[0].Strategy)
	assert.False(t, op.Conflicts[0].Resolved)
}

func TestEngine_OperationLookupAndActiveList(t *testing.T) {
	engine := newTestEngine(t, map[string]Gateway{"ebay": &recordingGateway{}}, routedLookup{})

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"ebay"}, Payload{"quantity": 1})
	require.NoError(t, err)

	assert.Equal(t, op, engine.GetOperation(op.OperationID))
	assert.Nil(t, engine.GetOperation("missing"))
	assert.Empty(t, engine.ListActiveOperations(), "terminal operations are not active")
}

func TestEngine_HooksFire(t *testing.T) {
	var mu sync.Mutex
	var detected, resolved, dispatched int

	engine := newTestEngine(t,
		map[string]Gateway{"ebay": &recordingGateway{}},
		routedLookup{"ebay": Payload{"price": 19.50}},
		WithHooks(Hooks{
			OnConflictDetected: func(c *DataConflict) { mu.Lock(); detected++; mu.Unlock() },
			OnConflictResolved: func(c *DataConflict) { mu.Lock(); resolved++; mu.Unlock() },
			OnTargetDispatched: func(target string, r TargetResult) { mu.Lock(); dispatched++; mu.Unlock() },
		}),
	)

	_, err := engine.Synchronize(context.Background(), "sku-1", CategoryPricing, "erp",
		[]string{"ebay"}, Payload{"price": 19.999})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, detected)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 1, dispatched)
}

func TestEngine_ClosedEngineRejectsSynchronize(t *testing.T) {
	engine := newTestEngine(t, map[string]Gateway{"ebay": &recordingGateway{}}, routedLookup{})
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close(), "close is idempotent")

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"ebay"}, Payload{"quantity": 1})
	require.Error(t, err)
	assert.Nil(t, op)
}

// stubArchive records every snapshot it is asked to persist.
type stubArchive struct {
	mu     sync.Mutex
	saved  []*SyncOperation
	closed bool
	err    error
}

func (a *stubArchive) SaveOperation(ctx context.Context, op *SyncOperation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.saved = append(a.saved, op)
	return nil
}

func (a *stubArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func TestEngine_ArchivesTerminalOperations(t *testing.T) {
	archive := &stubArchive{}
	engine := newTestEngine(t, map[string]Gateway{"ebay": &recordingGateway{}}, routedLookup{},
		WithArchive(archive))

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"ebay"}, Payload{"quantity": 1})
	require.NoError(t, err)

	archive.mu.Lock()
	require.Len(t, archive.saved, 1)
	assert.Equal(t, op.OperationID, archive.saved[0].OperationID)
	archive.mu.Unlock()

	require.NoError(t, engine.Close())
	archive.mu.Lock()
	assert.True(t, archive.closed)
	archive.mu.Unlock()
}

func TestEngine_ArchiveFailureDoesNotSurface(t *testing.T) {
	archive := &stubArchive{err: errors.New("disk full")}
	engine := newTestEngine(t, map[string]Gateway{"ebay": &recordingGateway{}}, routedLookup{},
		WithArchive(archive))

	op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
		[]string{"ebay"}, Payload{"quantity": 1})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, op.Status)
}

func TestEngine_ConcurrentSynchronizeCalls(t *testing.T) {
	engine := newTestEngine(t, map[string]Gateway{
		"amazon": &recordingGateway{},
		"ebay":   &recordingGateway{},
	}, routedLookup{"ebay": Payload{"quantity": 1.0}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op, err := engine.Synchronize(context.Background(), "sku-1", CategoryInventory, "erp",
				[]string{"amazon", "ebay"}, Payload{"quantity": 2})
			assert.NoError(t, err)
			assert.NotNil(t, op)
			assert.True(t, op.Status.Terminal())
		}()
	}
	wg.Wait()
}
