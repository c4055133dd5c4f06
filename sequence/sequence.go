/*
Package sequence issues the monotonically increasing integers behind
human-readable document numbers.

PURPOSE:
  Every order and bill gets a number like ORD25080042. The numeric tail
  comes from a named counter that must be linearizable: N concurrent calls
  for the same name return exactly N distinct consecutive values. The
  backing store provides the single atomic increment primitive; this
  package never does a read-then-write pair.

COUNTER NAMING:
  One counter per document-type-per-month (e.g. "ORD-2508"), so counters
  stay small and a fresh one appears naturally each calendar month.

FAILURE:
  If the atomic primitive fails the error propagates as retryable. A value
  is never fabricated and never served from a cache.
*/
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian/order-engine/domain"
)

// Incrementer is the datastore primitive: one atomic read-increment-write
// on the named counter, returning the incremented value.
type Incrementer interface {
	IncrementCounter(ctx context.Context, name string) (int64, error)
}

// Generator hands out per-counter sequence values.
type Generator struct {
	store Incrementer
}

// NewGenerator wires the generator to the store's atomic counter primitive.
func NewGenerator(store Incrementer) *Generator {
	return &Generator{store: store}
}

// Next returns the next value for the named counter. The first call for a
// name returns 1.
func (g *Generator) Next(ctx context.Context, name string) (int64, error) {
	seq, err := g.store.IncrementCounter(ctx, name)
	if err != nil {
		return 0, &domain.DependencyError{Dependency: "sequence", Err: fmt.Errorf("%w: %v", domain.ErrSequenceUnavailable, err)}
	}
	return seq, nil
}

// CounterName builds the per-month counter key for a document prefix,
// e.g. ("ORD", Aug 2025) -> "ORD-2508".
func CounterName(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%s", prefix, at.Format("0601"))
}

// DocumentNumber renders {PREFIX}{YY}{MM}{seq:04d}. The sequence is
// zero-padded to 4 digits and widens past 9999 without truncation.
func DocumentNumber(prefix string, at time.Time, seq int64) string {
	return fmt.Sprintf("%s%s%04d", prefix, at.Format("0601"), seq)
}

// NextDocumentNumber combines Next and DocumentNumber for the common case.
func (g *Generator) NextDocumentNumber(ctx context.Context, prefix string, at time.Time) (string, error) {
	seq, err := g.Next(ctx, CounterName(prefix, at))
	if err != nil {
		return "", err
	}
	return DocumentNumber(prefix, at, seq), nil
}
