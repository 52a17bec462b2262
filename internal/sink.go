package internal

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/golang/glog"

	internalglog "github.com/speedscale/pixie/internal/glog"
)

// SpannerPayload is one row destined for a Spanner table.
type SpannerPayload struct {
	Table string   `json:"table"`
	Cols  []string `json:"cols"`
	Vals  []any    `json:"vals"`
}

// CommitTimestamp as a column value makes Spanner stamp the row.
const CommitTimestamp = "COMMIT_TIMESTAMP"

const (
	sinkFlushRows = 4096
	sinkChanDepth = 8192
)

// Sink buffers row payloads and writes them to Spanner in batches, either
// when the buffer fills or on the flush ticker.
type Sink struct {
	client     *spanner.Client
	ch         chan SpannerPayload
	buf        []SpannerPayload
	flushEvery time.Duration
}

func NewSpannerClient(ctx context.Context, db string) (*spanner.Client, error) {
	return spanner.NewClient(ctx, db)
}

func NewSink(client *spanner.Client, flushEvery time.Duration) *Sink {
	return &Sink{
		client:     client,
		ch:         make(chan SpannerPayload, sinkChanDepth),
		buf:        make([]SpannerPayload, 0, sinkFlushRows),
		flushEvery: flushEvery,
	}
}

// Put enqueues a row without blocking; it reports false when the queue is
// full and the row was dropped.
func (s *Sink) Put(p SpannerPayload) bool {
	select {
	case s.ch <- p:
		return true
	default:
		return false
	}
}

// Run drains the queue until ctx is done, flushing on the ticker and on
// buffer pressure. Call from its own goroutine.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainPending()
			s.flush(context.Background())
			return
		case p := <-s.ch:
			s.buf = append(s.buf, p)
			if len(s.buf) >= sinkFlushRows {
				s.flush(ctx)
			}
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *Sink) drainPending() {
	for {
		select {
		case p := <-s.ch:
			s.buf = append(s.buf, p)
		default:
			return
		}
	}
}

func (s *Sink) flush(ctx context.Context) {
	if len(s.buf) == 0 {
		return
	}
	muts := make([]*spanner.Mutation, 0, len(s.buf))
	for _, p := range s.buf {
		vals := make([]any, len(p.Vals))
		for i, v := range p.Vals {
			if sv, ok := v.(string); ok && sv == CommitTimestamp {
				vals[i] = spanner.CommitTimestamp
				continue
			}
			vals[i] = v
		}
		muts = append(muts, spanner.Insert(p.Table, p.Cols, vals))
	}
	_, err := s.client.Apply(ctx, muts, spanner.ApplyAtLeastOnce())
	if err != nil {
		glog.Errorf("failed to apply %d spanner mutation(s): %v", len(muts), err)
	} else {
		internalglog.LogInfof("saved %d event(s) to db", true, len(muts))
	}
	s.buf = s.buf[:0]
}
