package governor

import (
	"errors"
	"sync"
	"testing"

	"titan-control-plane/internal/models"
	"titan-control-plane/internal/policystore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPolicies() map[models.Mode]models.Policy {
	base := models.Policy{
		MinConfidence:  0.3,
		MaxConfidence:  0.9,
		BaseConfidence: 0.5,
		MaxLeverage:    5,
		RiskAppetite:   0.6,
	}
	policies := make(map[models.Mode]models.Policy)
	for _, m := range []models.Mode{models.ModeConservative, models.ModeBalanced, models.ModeAggressive, models.ModeDefensive} {
		p := base
		p.Mode = m
		policies[m] = p
	}
	return policies
}

func newTestGovernor(t *testing.T) *Governor {
	t.Helper()
	g, err := New(Options{
		Store:       policystore.NewMemoryStore(),
		Logger:      zap.NewNop(),
		Policies:    testPolicies(),
		InitialMode: models.ModeBalanced,
	})
	require.NoError(t, err)
	return g
}

func TestInitialSnapshot(t *testing.T) {
	g := newTestGovernor(t)
	snap := g.Current()
	assert.Equal(t, models.ModeBalanced, snap.Mode)
	assert.Equal(t, uint64(1), snap.Epoch)
	assert.Equal(t, models.ModeBalanced, snap.Policy.Mode)
}

func TestTransitionIncrementsEpoch(t *testing.T) {
	g := newTestGovernor(t)

	epoch, err := g.ProposeTransition(models.ModeDefensive, "volatility spike")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), epoch)

	snap := g.Current()
	assert.Equal(t, models.ModeDefensive, snap.Mode)
	assert.Equal(t, uint64(2), snap.Epoch)
}

func TestSameModeRejected(t *testing.T) {
	g := newTestGovernor(t)
	_, err := g.ProposeTransition(models.ModeBalanced, "noop")
	assert.ErrorIs(t, err, ErrSameMode)
}

func TestUnknownModeRejected(t *testing.T) {
	g := newTestGovernor(t)
	_, err := g.ProposeTransition(models.Mode("TURBO"), "nope")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestOutOfBoundsPolicyRejectedNotApplied(t *testing.T) {
	policies := testPolicies()
	bad := policies[models.ModeAggressive]
	bad.MaxLeverage = 50 // above the hard cap below
	policies[models.ModeAggressive] = bad

	_, err := New(Options{
		Store:           policystore.NewMemoryStore(),
		Policies:        policies,
		InitialMode:     models.ModeBalanced,
		HardMaxLeverage: 10,
	})
	var fault *models.ConfigurationFault
	require.Error(t, err)
	assert.True(t, errors.As(err, &fault))
}

func TestReloadRejectionRollsBack(t *testing.T) {
	g := newTestGovernor(t)
	before := g.Current()

	bad := testPolicies()
	p := bad[models.ModeBalanced]
	p.BaseConfidence = 2.0 // outside [min, max]
	bad[models.ModeBalanced] = p

	_, err := g.ReloadPolicies(bad)
	require.Error(t, err)

	after := g.Current()
	assert.Equal(t, before.Epoch, after.Epoch, "rejected reload must not bump the epoch")
	assert.Equal(t, before.Policy, after.Policy, "rejected reload must leave the policy untouched")
}

// faultyStore wraps a real store and fails AppendTransition on demand.
type faultyStore struct {
	policystore.Store
	failAppend bool
}

func (s *faultyStore) AppendTransition(rec models.TransitionRecord) error {
	if s.failAppend {
		return errors.New("transition log unavailable")
	}
	return s.Store.AppendTransition(rec)
}

func TestReloadRollsBackTableOnLogFailure(t *testing.T) {
	store := &faultyStore{Store: policystore.NewMemoryStore()}
	g, err := New(Options{
		Store:       store,
		Logger:      zap.NewNop(),
		Policies:    testPolicies(),
		InitialMode: models.ModeBalanced,
	})
	require.NoError(t, err)

	updated := testPolicies()
	p := updated[models.ModeBalanced]
	p.MaxLeverage = 8
	updated[models.ModeBalanced] = p

	store.failAppend = true
	_, err = g.ReloadPolicies(updated)
	require.Error(t, err)

	// 换代记录写入失败:活动快照与存储的策略表都必须保持旧值。
	snap := g.Current()
	assert.Equal(t, uint64(1), snap.Epoch)
	assert.Equal(t, 5.0, snap.Policy.MaxLeverage)
	stored, err := store.Policy(models.ModeBalanced)
	require.NoError(t, err)
	assert.Equal(t, 5.0, stored.MaxLeverage, "stored table must roll back to the active one")

	// 存储恢复后同一次换表可以重放成功。
	store.failAppend = false
	epoch, err := g.ReloadPolicies(updated)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), epoch)
	assert.Equal(t, 8.0, g.Current().Policy.MaxLeverage)
}

func TestReloadBumpsEpoch(t *testing.T) {
	g := newTestGovernor(t)

	updated := testPolicies()
	p := updated[models.ModeBalanced]
	p.BaseConfidence = 0.6
	updated[models.ModeBalanced] = p

	epoch, err := g.ReloadPolicies(updated)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), epoch)
	assert.Equal(t, 0.6, g.Current().Policy.BaseConfidence)
}

// TestConcurrentTransitionsMonotonicEpoch hammers the governor from many
// goroutines and verifies the epoch only ever moves strictly forward and that
// no reader observes a (mode, epoch) pair that was never published.
func TestConcurrentTransitionsMonotonicEpoch(t *testing.T) {
	g := newTestGovernor(t)

	published := sync.Map{} // epoch -> mode, recorded by the subscriber
	g.Subscribe(subscriberFunc(func(snap models.ModeSnapshot) {
		published.Store(snap.Epoch, snap.Mode)
	}))

	modes := []models.Mode{models.ModeConservative, models.ModeAggressive, models.ModeDefensive, models.ModeBalanced}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				// Rejections (in-flight, same-mode) are expected under contention.
				_, _ = g.ProposeTransition(modes[(i+j)%len(modes)], "stress")
			}
		}(i)
	}

	stop := make(chan struct{})
	var readerWg sync.WaitGroup
	for i := 0; i < 4; i++ {
		readerWg.Add(1)
		go func() {
			defer readerWg.Done()
			var lastEpoch uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := g.Current()
				if snap.Epoch < lastEpoch {
					t.Errorf("epoch went backwards: %d -> %d", lastEpoch, snap.Epoch)
					return
				}
				lastEpoch = snap.Epoch
				if snap.Epoch > 1 {
					mode, ok := published.Load(snap.Epoch)
					if ok && mode != snap.Mode {
						t.Errorf("torn snapshot: epoch %d read with mode %s, published %s", snap.Epoch, snap.Mode, mode)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readerWg.Wait()
}

func TestEpochResumesAfterRestart(t *testing.T) {
	store := policystore.NewMemoryStore()
	g, err := New(Options{Store: store, Policies: testPolicies(), InitialMode: models.ModeBalanced})
	require.NoError(t, err)
	_, err = g.ProposeTransition(models.ModeDefensive, "wind down")
	require.NoError(t, err)

	// Restart against the same store: the epoch must continue past the log.
	g2, err := New(Options{Store: store, Policies: testPolicies(), InitialMode: models.ModeBalanced})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), g2.Current().Epoch)
}

type subscriberFunc func(models.ModeSnapshot)

func (f subscriberFunc) ApplySnapshot(snap models.ModeSnapshot) { f(snap) }
