package sockettrace

import (
	"sort"

	"github.com/golang/glog"
	"github.com/speedscale/pixie/bpf"
	"github.com/speedscale/pixie/internal/httpparse"
)

type insertResult int

const (
	insertOK insertResult = iota
	insertDuplicate
	insertStale
)

// orderedEvents is an ordered map from sequence number to event. Inserts
// keep keys sorted ascending; lookups and range erases are what the
// transfer path needs. nextSeq is the stream-head sequence number: events
// below it were already consumed, and a head event above it means a gap
// that stalls the direction until filled.
type orderedEvents struct {
	keys    []uint64
	m       map[uint64]*bpf.SocketDataEventT
	nextSeq uint64
}

func (o *orderedEvents) len() int { return len(o.keys) }

// insert adds an event keyed by its sequence number. A duplicate key
// overwrites the previous event (latest wins); an event whose bytes were
// already consumed is rejected.
func (o *orderedEvents) insert(ev *bpf.SocketDataEventT) insertResult {
	if o.m == nil {
		o.m = make(map[uint64]*bpf.SocketDataEventT)
	}
	seq := ev.SeqNum
	if seq < o.nextSeq {
		return insertStale
	}
	if _, ok := o.m[seq]; ok {
		o.m[seq] = ev
		return insertDuplicate
	}
	o.m[seq] = ev
	i := sort.Search(len(o.keys), func(i int) bool { return o.keys[i] >= seq })
	o.keys = append(o.keys, 0)
	copy(o.keys[i+1:], o.keys[i:])
	o.keys[i] = seq
	return insertOK
}

// contiguousRun returns payload slices for the longest gap-free run of
// sequence numbers starting at the stream head, along with each event's
// timestamp. A head event above nextSeq means the first event is missing;
// the direction stalls until the gap fills or the connection closes. A
// non-zero offset skips already-consumed bytes of the head event and must
// be smaller than its payload.
func (o *orderedEvents) contiguousRun(offset uint64) ([][]byte, []uint64) {
	if len(o.keys) == 0 || o.keys[0] != o.nextSeq {
		return nil, nil
	}
	var slices [][]byte
	var timestamps []uint64
	next := o.keys[0]
	for _, k := range o.keys {
		if k != next {
			break
		}
		ev := o.m[k]
		msg := ev.Payload()
		if len(slices) == 0 && offset > 0 {
			if offset >= uint64(len(msg)) {
				glog.Errorf("stream offset %d >= head payload size %d", offset, len(msg))
				return nil, nil
			}
			msg = msg[offset:]
		}
		slices = append(slices, msg)
		timestamps = append(timestamps, ev.TimestampNs)
		next++
	}
	return slices, timestamps
}

// eraseFirst removes the first n events in key order and advances the
// stream head past them.
func (o *orderedEvents) eraseFirst(n int) {
	if n <= 0 {
		return
	}
	if n > len(o.keys) {
		n = len(o.keys)
	}
	for _, k := range o.keys[:n] {
		delete(o.m, k)
	}
	o.nextSeq = o.keys[n-1] + 1
	o.keys = o.keys[n:]
}

// headPayloadSize returns the payload size of the head event, or 0.
func (o *orderedEvents) headPayloadSize() uint64 {
	if len(o.keys) == 0 {
		return 0
	}
	return uint64(len(o.m[o.keys[0]].Payload()))
}

// connMeta is the value copy of connection fields a stream needs for
// stamping records; taken from the registry at stream creation.
type connMeta struct {
	openNS uint64
	tgid   uint32
	fd     int32
	addr   string
	port   int64
}

// eventStream is the per-connection reorder buffer: two ordered maps of
// events (one per direction) plus the byte offset already consumed from
// each direction's head event.
type eventStream struct {
	conn     connMeta
	protocol uint32

	send orderedEvents
	recv orderedEvents

	sendOffset uint64
	recvOffset uint64

	// Requests parsed but not yet paired with a response.
	reqQueue []httpparse.Message

	lastEventNS uint64
}
