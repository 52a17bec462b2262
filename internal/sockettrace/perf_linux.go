//go:build linux

package sockettrace

import (
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
)

// PerfSource adapts a cilium perf.Reader to the RecordSource interface.
type PerfSource struct {
	rd *perf.Reader
}

// NewPerfSource opens a perf reader on an event map with the given
// per-CPU buffer size in bytes.
func NewPerfSource(m *ebpf.Map, perCPUBytes int) (*PerfSource, error) {
	rd, err := perf.NewReader(m, perCPUBytes)
	if err != nil {
		return nil, err
	}
	return &PerfSource{rd: rd}, nil
}

func (s *PerfSource) Read() (Record, error) {
	rec, err := s.rd.Read()
	if err != nil {
		return Record{}, err
	}
	return Record{RawSample: rec.RawSample, LostSamples: rec.LostSamples}, nil
}

func (s *PerfSource) SetDeadline(t time.Time) { s.rd.SetDeadline(t) }

func (s *PerfSource) Close() error { return s.rd.Close() }
