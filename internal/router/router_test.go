package router

import (
	"fmt"
	"testing"
	"time"

	"titan-control-plane/internal/adapter"
	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAll struct{}

func (allowAll) Approve(string) error { return nil }

type denyAll struct{ err error }

func (d denyAll) Approve(string) error { return d.err }

func testSnapshot(epoch uint64) models.ModeSnapshot {
	return models.ModeSnapshot{
		Mode:  models.ModeBalanced,
		Epoch: epoch,
		Policy: models.Policy{
			Mode:           models.ModeBalanced,
			MinConfidence:  0.3,
			MaxConfidence:  0.9,
			BaseConfidence: 0.5,
			MaxLeverage:    5,
			RiskAppetite:   0.6,
			MaxSignalAgeSec: 60,
			DedupWindowSec:  120,
		},
	}
}

func newTestRouter(clk clock.Clock) *Router {
	opt := NewOptimizer(0.2)
	chain := NewChain(clk, opt, []models.PersonaConfig{{Name: "steady", StopLossScale: 1, TakeProfitScale: 1}})
	r := New("router", adapter.New(), allowAll{}, chain, nil)
	r.ApplySnapshot(testSnapshot(1))
	return r
}

func testSignal(id string, confidence float64, at time.Time) models.Signal {
	return models.Signal{
		ID:          id,
		Instrument:  "BTCUSDT",
		Direction:   models.Long,
		Confidence:  confidence,
		Price:       50000,
		GeneratedAt: at,
		Strategy:    "momentum",
		Persona:     "steady",
	}
}

func TestChainOrderIsDeclared(t *testing.T) {
	r := newTestRouter(clock.NewSimulated(time.Now()))
	assert.Equal(t, []string{
		FilterAge, FilterRedundancy, FilterTimeWindow, FilterConfidence,
		FilterSeasonal, FilterPersonaSLTP, FilterCrossover,
	}, r.FilterNames())
}

// TestConfidenceBelowThreshold covers the S1 scenario: confidence 0.42 under
// a 0.5 threshold is a validation rejection with the confidence reason code.
func TestConfidenceBelowThreshold(t *testing.T) {
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	r := newTestRouter(clk)

	ann, verdict, err := r.Route(testSignal("S1", 0.42, start))
	require.NoError(t, err)
	assert.False(t, verdict.Keep)
	assert.Equal(t, models.ReasonConfidenceBelow, verdict.Reason)
	assert.Equal(t, FilterConfidence, verdict.Stage)
	assert.Equal(t, 0.5, ann.EffectiveThreshold)
}

// TestDuplicateDroppedBeforeConfidence covers the S2/S3 scenario and the
// ordering contract: the duplicate must be rejected by the redundancy filter,
// never reaching confidence scoring.
func TestDuplicateDroppedBeforeConfidence(t *testing.T) {
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	r := newTestRouter(clk)

	_, first, err := r.Route(testSignal("S2", 0.9, start))
	require.NoError(t, err)
	assert.True(t, first.Keep)

	clk.Advance(5 * time.Second)
	// Identical instrument/direction/strategy inside the dedup window. Even a
	// confidence that would fail the threshold must be attributed to the
	// redundancy filter, proving it runs first.
	_, second, err := r.Route(testSignal("S3", 0.1, clk.Now()))
	require.NoError(t, err)
	assert.False(t, second.Keep)
	assert.Equal(t, models.ReasonDuplicateSignal, second.Reason)
	assert.Equal(t, FilterRedundancy, second.Stage)
}

func TestExpiredSignalDroppedFirst(t *testing.T) {
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	r := newTestRouter(clk)

	stale := testSignal("old", 0.9, start.Add(-5*time.Minute))
	_, verdict, err := r.Route(stale)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonSignalExpired, verdict.Reason)
	assert.Equal(t, FilterAge, verdict.Stage)
}

func TestStaleEpochBlocksRouting(t *testing.T) {
	clk := clock.NewSimulated(time.Now())
	fault := &models.ConsistencyFault{Module: "router", CachedEpoch: 4, AuthoritativeEpoch: 5}
	opt := NewOptimizer(0.2)
	r := New("router", adapter.New(), denyAll{err: fault}, NewChain(clk, opt, nil), nil)
	r.ApplySnapshot(testSnapshot(4))

	_, verdict, err := r.Route(testSignal("S4", 0.9, clk.Now()))
	assert.ErrorIs(t, err, fault)
	assert.False(t, verdict.Keep)
	assert.Equal(t, models.ReasonStaleEpoch, verdict.Reason)
}

func TestTimeWindowFilter(t *testing.T) {
	start := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC) // 03:00 UTC
	clk := clock.NewSimulated(start)
	opt := NewOptimizer(0.2)
	r := New("router", adapter.New(), allowAll{}, NewChain(clk, opt, nil), nil)

	snap := testSnapshot(1)
	snap.Policy.TradingWindows = []models.TradingWindow{{StartHour: 8, EndHour: 20}}
	r.ApplySnapshot(snap)

	_, verdict, err := r.Route(testSignal("S5", 0.9, start))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonOutsideTradingWindow, verdict.Reason)

	clk.Advance(6 * time.Hour) // 09:00 UTC
	_, verdict, err = r.Route(testSignal("S6", 0.9, clk.Now()))
	require.NoError(t, err)
	assert.True(t, verdict.Keep)
}

func TestSeasonalBiasBlockAndAnnotation(t *testing.T) {
	start := time.Date(2025, 9, 2, 10, 0, 0, 0, time.UTC) // September
	clk := clock.NewSimulated(start)
	opt := NewOptimizer(0.2)
	r := New("router", adapter.New(), allowAll{}, NewChain(clk, opt, nil), nil)

	snap := testSnapshot(1)
	snap.Policy.SeasonalBias = map[string]float64{"september": 0, "october": 1.2}
	r.ApplySnapshot(snap)

	_, verdict, err := r.Route(testSignal("S7", 0.9, start))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonSeasonalBiasBlock, verdict.Reason)

	october := time.Date(2025, 10, 2, 10, 0, 0, 0, time.UTC)
	clk.Set(october)
	ann, verdict, err := r.Route(testSignal("S8", 0.9, october))
	require.NoError(t, err)
	assert.True(t, verdict.Keep)
	assert.Equal(t, 1.2, ann.SeasonalBias)
}

func TestPersonaSLTPAnnotation(t *testing.T) {
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	opt := NewOptimizer(0.2)
	personas := []models.PersonaConfig{{Name: "steady", StopLossScale: 0.5, TakeProfitScale: 2}}
	r := New("router", adapter.New(), allowAll{}, NewChain(clk, opt, personas), nil)

	snap := testSnapshot(1)
	snap.Policy.StopLossMult = 0.02
	snap.Policy.TakeProfitMult = 0.04
	r.ApplySnapshot(snap)

	ann, verdict, err := r.Route(testSignal("S9", 0.9, start))
	require.NoError(t, err)
	require.True(t, verdict.Keep)
	assert.InDelta(t, 50000*(1-0.01), ann.StopLoss, 1e-6)   // 0.02 * 0.5
	assert.InDelta(t, 50000*(1+0.08), ann.TakeProfit, 1e-6) // 0.04 * 2
}

func TestCrossoverRejectsContraTrend(t *testing.T) {
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	r := newTestRouter(clk)

	// Strictly rising prices: after warmup the fast EMA sits above the slow
	// one, so Short signals contradict the crossover state.
	price := 50000.0
	var verdict models.Verdict
	var err error
	for i := 0; i < 12; i++ {
		clk.Advance(3 * time.Minute) // step past the dedup window
		sig := testSignal(fmt.Sprintf("up-%d", i), 0.9, clk.Now())
		sig.Price = price
		sig.Strategy = fmt.Sprintf("trend-%d", i%3) // vary the dedup key
		_, verdict, err = r.Route(sig)
		require.NoError(t, err)
		require.True(t, verdict.Keep, "rising long signal %d should pass", i)
		price += 100
	}

	clk.Advance(3 * time.Minute)
	short := testSignal("contra", 0.9, clk.Now())
	short.Direction = models.Short
	short.Price = price
	_, verdict, err = r.Route(short)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonCrossoverUnconfirmed, verdict.Reason)
}

func TestOptimizerStaysWithinBounds(t *testing.T) {
	cfg := adapter.PipelineConfig{MinThreshold: 0.3, MaxThreshold: 0.9, BaseThreshold: 0.5}
	opt := NewOptimizer(0.3)

	// A long streak of losses must never push the threshold above max.
	for i := 0; i < 1000; i++ {
		opt.RecordOutcome("momentum", false)
		tr := opt.Threshold("momentum", cfg)
		assert.GreaterOrEqual(t, tr, cfg.MinThreshold)
		assert.LessOrEqual(t, tr, cfg.MaxThreshold)
	}
	assert.Equal(t, cfg.MaxThreshold, opt.Threshold("momentum", cfg))

	// And a long winning streak must never drop below min.
	for i := 0; i < 1000; i++ {
		opt.RecordOutcome("momentum", true)
	}
	assert.Equal(t, cfg.MinThreshold, opt.Threshold("momentum", cfg))

	// An unseen strategy starts at the neutral base threshold.
	assert.Equal(t, cfg.BaseThreshold, opt.Threshold("fresh", cfg))
}
