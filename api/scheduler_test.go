/*
scheduler_test.go - Rate rollover lifecycle tests
*/
package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian/order-engine/store/sqlite"
)

func newRolloverForTest(t *testing.T) *RateRollover {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rr := NewRateRollover(store, zap.NewNop())
	rr.CheckInterval = time.Hour
	return rr
}

func TestRateRollover_StopIsIdempotent(t *testing.T) {
	// GIVEN a running rollover job
	rr := newRolloverForTest(t)
	rr.Start()

	// WHEN Stop is called more than once (server shutdown paths can
	// overlap, e.g. a deferred Stop after an explicit one)
	rr.Stop()

	// THEN the second call is a no-op rather than a panic
	require.NotPanics(t, func() { rr.Stop() })
}

func TestRateRollover_StopWithoutStart(t *testing.T) {
	rr := newRolloverForTest(t)
	require.NotPanics(t, func() { rr.Stop() })
}
