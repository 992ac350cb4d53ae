package consistency

import (
	"testing"
	"time"

	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuthority stands in for the Governor.
type fakeAuthority struct {
	snap models.ModeSnapshot
}

func (f *fakeAuthority) Current() models.ModeSnapshot { return f.snap }

// fakeView is a module with a controllable cached epoch.
type fakeView struct {
	name        string
	epoch       uint64
	resyncCount int
	followSync  bool // when true, Resync actually updates the cached epoch
}

func (f *fakeView) Name() string        { return f.name }
func (f *fakeView) CachedEpoch() uint64 { return f.epoch }
func (f *fakeView) Resync(snap models.ModeSnapshot) {
	f.resyncCount++
	if f.followSync {
		f.epoch = snap.Epoch
	}
}

func snapshotAt(mode models.Mode, epoch uint64, at time.Time) models.ModeSnapshot {
	return models.ModeSnapshot{Mode: mode, Epoch: epoch, PublishedAt: at}
}

func TestTransientDivergenceTolerated(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	auth := &fakeAuthority{snap: snapshotAt(models.ModeDefensive, 5, start)}
	v := New(auth, clk, 10*time.Second, 0, nil)

	lagging := &fakeView{name: "router", epoch: 4}
	v.Register(lagging)

	// Two seconds after the transition: still inside the grace window.
	clk.Advance(2 * time.Second)
	faults := v.Audit()
	assert.Empty(t, faults)
	assert.Zero(t, lagging.resyncCount)
	assert.NoError(t, v.Approve("router"))
}

// TestPersistentDivergenceBlocksApproval covers the Balanced(4) -> Defensive(5)
// scenario: a module still cached at epoch 4 after the grace window elapses is
// faulted and blocked until it has resynced.
func TestPersistentDivergenceBlocksApproval(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	auth := &fakeAuthority{snap: snapshotAt(models.ModeDefensive, 5, start)}
	v := New(auth, clk, 10*time.Second, 0, nil)

	stuck := &fakeView{name: "router", epoch: 4} // does not follow resync
	v.Register(stuck)

	clk.Advance(30 * time.Second)
	faults := v.Audit()
	require.Len(t, faults, 1)
	assert.Equal(t, "router", faults[0].Module)
	assert.Equal(t, uint64(4), faults[0].CachedEpoch)
	assert.Equal(t, uint64(5), faults[0].AuthoritativeEpoch)
	assert.Equal(t, 1, stuck.resyncCount, "validator must force a resync")

	err := v.Approve("router")
	var fault *models.ConsistencyFault
	require.ErrorAs(t, err, &fault)

	// The module finally catches up; approval unblocks.
	stuck.epoch = 5
	assert.NoError(t, v.Approve("router"))
	assert.NoError(t, v.Approve("router"))
}

func TestFaultDeliveredOnAlertingPath(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	auth := &fakeAuthority{snap: snapshotAt(models.ModeDefensive, 5, start)}
	v := New(auth, clk, time.Second, 0, nil)

	v.Register(&fakeView{name: "risk", epoch: 3, followSync: true})
	clk.Advance(time.Minute)
	v.Audit()

	select {
	case fault := <-v.Faults():
		assert.Equal(t, "risk", fault.Module)
	default:
		t.Fatal("expected a fault on the alerting channel")
	}

	// The view followed the resync; the next audit clears the gate.
	v.Audit()
	assert.NoError(t, v.Approve("risk"))
}

func TestApproveLazyFault(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	auth := &fakeAuthority{snap: snapshotAt(models.ModeAggressive, 7, start)}
	v := New(auth, clk, time.Second, 0, nil)

	lagging := &fakeView{name: "router", epoch: 6}
	v.Register(lagging)

	// Approval itself must detect the stale epoch even without a prior audit.
	clk.Advance(time.Minute)
	err := v.Approve("router")
	var fault *models.ConsistencyFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, 1, lagging.resyncCount)
}

func TestUnregisteredModuleRejected(t *testing.T) {
	auth := &fakeAuthority{snap: snapshotAt(models.ModeBalanced, 1, time.Now())}
	v := New(auth, nil, time.Second, 0, nil)
	assert.Error(t, v.Approve("ghost"))
}
