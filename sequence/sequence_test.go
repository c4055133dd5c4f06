package sequence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/order-engine/domain"
	"github.com/meridian/order-engine/sequence"
	"github.com/meridian/order-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestGenerator(t *testing.T) *sequence.Generator {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return sequence.NewGenerator(store)
}

// failingIncrementer simulates a dead counter store.
type failingIncrementer struct{}

func (failingIncrementer) IncrementCounter(ctx context.Context, name string) (int64, error) {
	return 0, errors.New("database is locked")
}

// =============================================================================
// SEQUENCE TESTS
// =============================================================================

func TestGenerator_Next_MonotonicFromOne(t *testing.T) {
	// GIVEN: A fresh counter
	// WHEN: Drawing several values
	// THEN: Values are 1, 2, 3, ... with no gaps or repeats

	gen := newTestGenerator(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := gen.Next(ctx, "ORD-2508")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestGenerator_Next_IndependentCounters(t *testing.T) {
	// GIVEN: Two counters with different names
	// WHEN: Drawing from both
	// THEN: Each advances independently

	gen := newTestGenerator(t)
	ctx := context.Background()

	a1, err := gen.Next(ctx, "ORD-2508")
	require.NoError(t, err)
	b1, err := gen.Next(ctx, "ORD-2509")
	require.NoError(t, err)
	a2, err := gen.Next(ctx, "ORD-2508")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a1)
	assert.Equal(t, int64(1), b1)
	assert.Equal(t, int64(2), a2)
}

func TestGenerator_Next_ConcurrentDrawsAreDistinct(t *testing.T) {
	// GIVEN: 50 goroutines drawing from the same counter
	// WHEN: All complete
	// THEN: The drawn values are exactly 1..50 (no lost updates, no gaps)

	gen := newTestGenerator(t)
	ctx := context.Background()

	const n = 50
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := gen.Next(ctx, "ORD-2508")
			assert.NoError(t, err)
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, n)
	for v := range results {
		assert.False(t, seen[v], "value %d drawn twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)

	// Distinct is not enough: the draws must be exactly 1..n, with no
	// value skipped past the high end.
	for v := int64(1); v <= n; v++ {
		assert.True(t, seen[v], "value %d never drawn", v)
	}
}

func TestGenerator_Next_FailureIsRetryable(t *testing.T) {
	// GIVEN: A counter store that always fails
	// WHEN: Drawing a value
	// THEN: The error is marked retryable and no number is fabricated

	gen := sequence.NewGenerator(failingIncrementer{})

	_, err := gen.Next(context.Background(), "ORD-2508")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSequenceUnavailable)
	assert.True(t, domain.IsRetryable(err))
}

// =============================================================================
// DOCUMENT NUMBER TESTS
// =============================================================================

func TestCounterName_PerMonth(t *testing.T) {
	at := time.Date(2025, time.August, 28, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "ORD-2508", sequence.CounterName("ORD", at))

	january := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "ORD-2601", sequence.CounterName("ORD", january))
}

func TestDocumentNumber_Format(t *testing.T) {
	at := time.Date(2025, time.August, 28, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "ORD25080001", sequence.DocumentNumber("ORD", at, 1))
	assert.Equal(t, "ORD25080042", sequence.DocumentNumber("ORD", at, 42))
	assert.Equal(t, "ORD25089999", sequence.DocumentNumber("ORD", at, 9999))
	// Past four digits the number widens rather than wraps.
	assert.Equal(t, "ORD250810000", sequence.DocumentNumber("ORD", at, 10000))
}

func TestGenerator_NextDocumentNumber_SequentialWithinMonth(t *testing.T) {
	// GIVEN: A generator and one calendar month
	// WHEN: Drawing two document numbers
	// THEN: They share the month segment and increment the sequence

	gen := newTestGenerator(t)
	ctx := context.Background()
	at := time.Date(2025, time.August, 28, 10, 0, 0, 0, time.UTC)

	first, err := gen.NextDocumentNumber(ctx, "ORD", at)
	require.NoError(t, err)
	second, err := gen.NextDocumentNumber(ctx, "ORD", at)
	require.NoError(t, err)

	assert.Equal(t, "ORD25080001", first)
	assert.Equal(t, "ORD25080002", second)
}
