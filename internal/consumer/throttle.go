package consumer

import "time"

// backoffDelays spaces the in-process retries of one entry. Together they
// stay well inside the visibility window, so a worker finishes retrying
// before another consumer could claim the entry away.
var backoffDelays = []time.Duration{250 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second}

// throttle adapts a worker's batch size and poll block to database write
// latency. When the smoothed latency crosses the budget the batch halves and
// polling stretches; when it falls below half the budget the batch creeps
// back up. The stream absorbs whatever the worker stops pulling.
type throttle struct {
	budget   time.Duration
	maxBatch int64
	block    time.Duration

	ema   time.Duration
	batch int64
	slow  bool
}

func newThrottle(budget time.Duration, maxBatch int64, block time.Duration) *throttle {
	return &throttle{budget: budget, maxBatch: maxBatch, block: block, batch: maxBatch}
}

// observe folds one transaction latency into the moving average and adjusts
// the batch size.
func (t *throttle) observe(d time.Duration) {
	if t.ema == 0 {
		t.ema = d
	} else {
		t.ema = (t.ema*4 + d) / 5
	}

	switch {
	case t.ema > t.budget:
		t.slow = true
		if t.batch > 1 {
			t.batch /= 2
		}
	case t.ema < t.budget/2:
		t.slow = false
		if t.batch < t.maxBatch {
			t.batch *= 2
			if t.batch > t.maxBatch {
				t.batch = t.maxBatch
			}
		}
	}
}

// batchSize returns the current batch budget.
func (t *throttle) batchSize() int64 { return t.batch }

// pollBlock returns the read block interval, stretched while the database
// is slow.
func (t *throttle) pollBlock() time.Duration {
	if t.slow {
		return 2 * t.block
	}
	return t.block
}
