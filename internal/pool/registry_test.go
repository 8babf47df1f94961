package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitEnforcesCapacity(t *testing.T) {
	r := NewRegistry(2, clock.NewMock())

	first, err := r.Admit("a", "/repo")
	require.NoError(t, err)
	_, err = r.Admit("b", "/repo")
	require.NoError(t, err)

	_, err = r.Admit("c", "/repo")
	assert.ErrorIs(t, err, ErrCapacity)

	// Provisioning sessions count against capacity too.
	assert.Equal(t, 2, r.ActiveCount())
	assert.Equal(t, 0, r.Available())

	r.Abort(first.ID)
	_, err = r.Admit("c", "/repo")
	assert.NoError(t, err)
}

func TestAdmitConcurrentNeverOversubscribes(t *testing.T) {
	const size = 4
	r := NewRegistry(size, clock.NewMock())

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Admit("s", "/repo"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, size, admitted)
	assert.Equal(t, size, r.ActiveCount())
}

func TestActivateTransitions(t *testing.T) {
	r := NewRegistry(1, clock.NewMock())
	sess, err := r.Admit("a", "/repo")
	require.NoError(t, err)

	require.NoError(t, r.Activate(sess.ID, "/wt", "http://127.0.0.1:9999", "tok"))

	got, err := r.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, got.State)
	assert.Equal(t, "/wt", got.WorktreePath)

	// Activate is only valid from PROVISIONING.
	assert.ErrorIs(t, r.Activate(sess.ID, "/wt", "e", "t"), ErrInvalidState)
	assert.ErrorIs(t, r.Activate("missing", "/wt", "e", "t"), ErrNotFound)
}

func TestRouteRefreshesActivityAndClassifiesStates(t *testing.T) {
	clk := clock.NewMock()
	r := NewRegistry(3, clk)

	provisioning, _ := r.Admit("p", "/repo")
	_, _, err := r.Route(provisioning.ID)
	assert.ErrorIs(t, err, ErrInvalidState, "no routing before activation")

	sess, _ := r.Admit("a", "/repo")
	require.NoError(t, r.Activate(sess.ID, "/wt", "http://127.0.0.1:4000", "secret"))

	clk.Add(5 * time.Minute)
	endpoint, token, err := r.Route(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4000", endpoint)
	assert.Equal(t, "secret", token)

	got, _ := r.Get(sess.ID)
	assert.Equal(t, clk.Now(), got.LastActivityAt, "routing must count as activity")

	require.NoError(t, r.BeginEviction(sess.ID))
	_, _, err = r.Route(sess.ID)
	assert.ErrorIs(t, err, ErrEvicting)

	require.NoError(t, r.Remove(sess.ID))
	_, _, err = r.Route(sess.ID)
	assert.ErrorIs(t, err, ErrTerminated)

	_, _, err = r.Route("never-existed")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBusyReadyFlips(t *testing.T) {
	r := NewRegistry(1, clock.NewMock())
	sess, _ := r.Admit("a", "/repo")
	require.NoError(t, r.Activate(sess.ID, "/wt", "e", "t"))

	r.MarkBusy(sess.ID)
	got, _ := r.Get(sess.ID)
	assert.Equal(t, StateBusy, got.State)

	// MarkBusy on an already-busy session stays busy.
	r.MarkBusy(sess.ID)
	got, _ = r.Get(sess.ID)
	assert.Equal(t, StateBusy, got.State)

	r.MarkReady(sess.ID)
	got, _ = r.Get(sess.ID)
	assert.Equal(t, StateReady, got.State)
}

func TestCollectEvictableSelectsIdleAndStragglers(t *testing.T) {
	clk := clock.NewMock()
	r := NewRegistry(4, clk)

	idle, _ := r.Admit("idle", "/repo")
	require.NoError(t, r.Activate(idle.ID, "/wt1", "e", "t"))
	fresh, _ := r.Admit("fresh", "/repo")
	require.NoError(t, r.Activate(fresh.ID, "/wt2", "e", "t"))
	busy, _ := r.Admit("busy", "/repo")
	require.NoError(t, r.Activate(busy.ID, "/wt3", "e", "t"))
	r.MarkBusy(busy.ID)

	clk.Add(20 * time.Minute)
	_, _, err := r.Route(fresh.ID)
	require.NoError(t, err)

	selected := r.CollectEvictable(15 * time.Minute)
	require.Len(t, selected, 1)
	assert.Equal(t, idle.ID, selected[0].ID)

	// The selected session is now EVICTING; a second sweep retries it as a
	// straggler until Remove succeeds.
	again := r.CollectEvictable(15 * time.Minute)
	require.Len(t, again, 1)
	assert.Equal(t, idle.ID, again[0].ID)
	assert.Equal(t, StateEvicting, again[0].State)
}

func TestRemoveReleasesSlotAndLeavesTombstone(t *testing.T) {
	r := NewRegistry(1, clock.NewMock())
	sess, _ := r.Admit("a", "/repo")
	require.NoError(t, r.Activate(sess.ID, "/wt", "e", "t"))

	// Remove requires EVICTING first.
	assert.ErrorIs(t, r.Remove(sess.ID), ErrInvalidState)

	require.NoError(t, r.BeginEviction(sess.ID))
	assert.Equal(t, 1, r.ActiveCount(), "evicting still consumes the slot")

	require.NoError(t, r.Remove(sess.ID))
	assert.Equal(t, 0, r.ActiveCount())

	_, err := r.Get(sess.ID)
	assert.ErrorIs(t, err, ErrTerminated)

	_, err = r.Admit("b", "/repo")
	assert.NoError(t, err, "slot must be reusable after removal")
}

func TestBeginEvictionIsOneWay(t *testing.T) {
	r := NewRegistry(1, clock.NewMock())
	sess, _ := r.Admit("a", "/repo")
	require.NoError(t, r.Activate(sess.ID, "/wt", "e", "t"))

	require.NoError(t, r.BeginEviction(sess.ID))
	assert.ErrorIs(t, r.BeginEviction(sess.ID), ErrEvicting)

	r.MarkReady(sess.ID)
	got, _ := r.Get(sess.ID)
	assert.Equal(t, StateEvicting, got.State, "no transition out of evicting except terminated")
}
