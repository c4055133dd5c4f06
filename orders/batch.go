package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/meridian/order-engine/domain"
)

// BatchAssigner places a new order into a fulfillment batch. Assignment is
// consumed once per order creation; a failure aborts the whole creation so
// an order never exists without a batch.
type BatchAssigner interface {
	AssignToBatch(ctx context.Context, at time.Time) (string, error)
}

// batchStore is the slice of the store the assigner needs.
type batchStore interface {
	EnsureBatch(ctx context.Context, id, batchDate, run string) (string, error)
}

// CutoffBatchAssigner groups orders into per-day delivery runs split by a
// cutoff hour: orders placed before the cutoff join the same day's morning
// run, later orders join the evening run.
type CutoffBatchAssigner struct {
	Store      batchStore
	CutoffHour int // local hour; orders at or after it go to the evening run
}

// NewCutoffBatchAssigner creates an assigner with the default noon cutoff.
func NewCutoffBatchAssigner(store batchStore) *CutoffBatchAssigner {
	return &CutoffBatchAssigner{Store: store, CutoffHour: 12}
}

// AssignToBatch returns the batch id for the delivery run the order falls
// into, creating the batch row on first use.
func (a *CutoffBatchAssigner) AssignToBatch(ctx context.Context, at time.Time) (string, error) {
	run := "morning"
	if at.Hour() >= a.CutoffHour {
		run = "evening"
	}
	batchDate := at.Format("2006-01-02")

	id, err := a.Store.EnsureBatch(ctx, ulid.Make().String(), batchDate, run)
	if err != nil {
		return "", &domain.DependencyError{
			Dependency: "batch assignment",
			Err:        fmt.Errorf("%w: %v", domain.ErrBatchAssignment, err),
		}
	}
	return id, nil
}
