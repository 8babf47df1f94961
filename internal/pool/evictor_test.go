package pool

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"forge/internal/logging"
)

func TestEvictorSweepsOnInterval(t *testing.T) {
	clk := clock.NewMock()
	mgr, _, _ := newTestManager(t, 1, clk)

	sess, _, err := mgr.CreateSession(context.Background(), "a", "/repo")
	require.NoError(t, err)

	ev := NewEvictor(mgr, time.Minute, clk, logging.Nop())
	ev.Start()
	defer ev.Stop()

	// Let the sweep goroutine install its ticker before advancing the clock.
	time.Sleep(10 * time.Millisecond)

	clk.Add(20 * time.Minute)
	require.Eventually(t, func() bool {
		_, err := mgr.registry.Get(sess.ID)
		return err == ErrTerminated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvictorStartStopIdempotent(t *testing.T) {
	clk := clock.NewMock()
	mgr, _, _ := newTestManager(t, 1, clk)
	ev := NewEvictor(mgr, time.Minute, clk, logging.Nop())

	ev.Start()
	ev.Start() // second start is a no-op
	ev.Stop()
	ev.Stop() // second stop is a no-op

	// Restart after stop works.
	ev.Start()
	ev.Stop()
}
