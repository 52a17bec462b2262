package sockettrace

import "sync/atomic"

// Stats counts conditions the tracer absorbs rather than surfaces.
type Stats struct {
	Processed      atomic.Uint64
	LostEvents     atomic.Uint64
	OrphanEvents   atomic.Uint64
	DupSeqNum      atomic.Uint64
	DecodeErrors   atomic.Uint64
	ParseErrors    atomic.Uint64
	RecordsEmitted atomic.Uint64
	FilteredOut    atomic.Uint64
	ClosedDrops    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Processed      uint64
	LostEvents     uint64
	OrphanEvents   uint64
	DupSeqNum      uint64
	DecodeErrors   uint64
	ParseErrors    uint64
	RecordsEmitted uint64
	FilteredOut    uint64
	ClosedDrops    uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Processed:      s.Processed.Load(),
		LostEvents:     s.LostEvents.Load(),
		OrphanEvents:   s.OrphanEvents.Load(),
		DupSeqNum:      s.DupSeqNum.Load(),
		DecodeErrors:   s.DecodeErrors.Load(),
		ParseErrors:    s.ParseErrors.Load(),
		RecordsEmitted: s.RecordsEmitted.Load(),
		FilteredOut:    s.FilteredOut.Load(),
		ClosedDrops:    s.ClosedDrops.Load(),
	}
}
