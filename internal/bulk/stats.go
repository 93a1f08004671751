package bulk

import "time"

// Stats receives sink-side counters as side effects of batch completion.
// Implementations must be safe for concurrent use; counters are emitted from
// the flush worker. Not part of delivery correctness.
type Stats interface {
	RecordsOut(n int)
	BytesOut(n int64)
	DirtyRecords(n int)
	BatchRetries(n int)
	PendingOps(n int64)
	FlushDone(took time.Duration)
}

// nopStats discards all counters. Used when no metrics sink is configured.
type nopStats struct{}

func (nopStats) RecordsOut(int)          {}
func (nopStats) BytesOut(int64)          {}
func (nopStats) DirtyRecords(int)        {}
func (nopStats) BatchRetries(int)        {}
func (nopStats) PendingOps(int64)        {}
func (nopStats) FlushDone(time.Duration) {}
