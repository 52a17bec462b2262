package sockettrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedscale/pixie/bpf"
)

func mkEvent(seq uint64, payload string) *bpf.SocketDataEventT {
	ev := &bpf.SocketDataEventT{SeqNum: seq, TimestampNs: 1000 + seq, MsgSize: uint32(len(payload))}
	copy(ev.Msg[:], payload)
	return ev
}

func TestOrderedEventsInsertKeepsOrder(t *testing.T) {
	var o orderedEvents
	assert.Equal(t, insertOK, o.insert(mkEvent(2, "cc")))
	assert.Equal(t, insertOK, o.insert(mkEvent(0, "aa")))
	assert.Equal(t, insertOK, o.insert(mkEvent(1, "bb")))
	assert.Equal(t, []uint64{0, 1, 2}, o.keys)
}

func TestOrderedEventsDuplicateOverwrites(t *testing.T) {
	var o orderedEvents
	o.insert(mkEvent(0, "old"))
	assert.Equal(t, insertDuplicate, o.insert(mkEvent(0, "new")))
	require.Equal(t, 1, o.len())
	slices, _ := o.contiguousRun(0)
	require.Len(t, slices, 1)
	assert.Equal(t, "new", string(slices[0]))
}

func TestOrderedEventsStaleRejected(t *testing.T) {
	var o orderedEvents
	o.insert(mkEvent(0, "aa"))
	o.eraseFirst(1)
	assert.Equal(t, insertStale, o.insert(mkEvent(0, "late")))
	assert.Equal(t, 0, o.len())
}

func TestContiguousRunGapAtHead(t *testing.T) {
	var o orderedEvents
	o.insert(mkEvent(1, "bb"))
	slices, timestamps := o.contiguousRun(0)
	assert.Nil(t, slices)
	assert.Nil(t, timestamps)
	assert.Equal(t, 1, o.len())
}

func TestContiguousRunStopsAtGap(t *testing.T) {
	var o orderedEvents
	o.insert(mkEvent(0, "aa"))
	o.insert(mkEvent(1, "bb"))
	o.insert(mkEvent(3, "dd"))
	slices, timestamps := o.contiguousRun(0)
	require.Len(t, slices, 2)
	assert.Equal(t, "aa", string(slices[0]))
	assert.Equal(t, "bb", string(slices[1]))
	assert.Equal(t, []uint64{1000, 1001}, timestamps)
}

func TestContiguousRunOffsetTrimsHead(t *testing.T) {
	var o orderedEvents
	o.insert(mkEvent(0, "abcdef"))
	slices, _ := o.contiguousRun(4)
	require.Len(t, slices, 1)
	assert.Equal(t, "ef", string(slices[0]))
}

func TestContiguousRunOffsetBeyondHeadStalls(t *testing.T) {
	var o orderedEvents
	o.insert(mkEvent(0, "ab"))
	slices, _ := o.contiguousRun(2)
	assert.Nil(t, slices)
}

func TestEraseFirstAdvancesHead(t *testing.T) {
	var o orderedEvents
	o.insert(mkEvent(0, "aa"))
	o.insert(mkEvent(1, "bb"))
	o.insert(mkEvent(2, "cc"))
	o.eraseFirst(2)
	require.Equal(t, 1, o.len())
	assert.Equal(t, uint64(2), o.nextSeq)
	slices, _ := o.contiguousRun(0)
	require.Len(t, slices, 1)
	assert.Equal(t, "cc", string(slices[0]))
	assert.Equal(t, uint64(2), o.headPayloadSize())
}
