package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/JohanCodinha/crmsync/internal/logger"
)

// ErrStalled is returned by SyncAll when the remote keeps answering with
// empty pages before the reported total is reached.
var ErrStalled = errors.New("sync stalled: remote returned no contacts before reaching total")

// Driver repeats engine steps until a pass is complete.
type Driver struct {
	engine    *Engine
	maxStalls int
}

// NewDriver creates a driver for the engine. The stall limit comes from the
// engine's sync settings.
func NewDriver(engine *Engine) *Driver {
	maxStalls := engine.Config().MaxStalls
	if maxStalls <= 0 {
		maxStalls = 1
	}
	return &Driver{engine: engine, maxStalls: maxStalls}
}

// SyncAll calls SyncPage until the cursor reaches the remote total.
// onStep, if set, is called after every successful step.
func (d *Driver) SyncAll(ctx context.Context, onStep func(PageResult)) (PageResult, error) {
	stalls := 0
	for {
		if err := ctx.Err(); err != nil {
			return PageResult{}, err
		}

		result, err := d.engine.SyncPage(ctx)
		if err != nil {
			return result, err
		}
		if onStep != nil {
			onStep(result)
		}

		if result.Complete {
			logger.Info("sync: pass complete, %d of %d contacts cached", result.CachedCount, result.Total)
			return result, nil
		}

		if result.Fetched == 0 {
			stalls++
			if stalls >= d.maxStalls {
				return result, fmt.Errorf("%w (cursor %d of %d after %d empty pages)",
					ErrStalled, result.NextSkip, result.Total, stalls)
			}
			continue
		}
		stalls = 0
	}
}

// RefreshAll walks the cache from offset in batches of batchSize until every
// cached family has been visited. The returned result sums Refreshed and Failed
// over all batches. onBatch, if set, is called after every batch.
func (d *Driver) RefreshAll(ctx context.Context, offset, batchSize int, onBatch func(RefreshResult)) (RefreshResult, error) {
	var sum RefreshResult
	for {
		result, err := d.engine.RefreshEngagementDates(ctx, offset, batchSize)
		if err != nil {
			return sum, err
		}
		if onBatch != nil {
			onBatch(result)
		}

		sum.Refreshed += result.Refreshed
		sum.Failed += result.Failed
		sum.NextOffset = result.NextOffset
		sum.TotalCached = result.TotalCached
		sum.Complete = result.Complete

		// the cache shrank under us; nothing left to read at this offset
		if result.Complete || result.NextOffset == offset {
			return sum, nil
		}
		offset = result.NextOffset
	}
}
