package http2frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func hf(name, value string) hpack.HeaderField {
	return hpack.HeaderField{Name: name, Value: value}
}

func TestPairRequestAndResponse(t *testing.T) {
	c := NewCorrelator(nil)

	c.AddHeaderField(1, true, hf(":method", "POST"), false, 10)
	c.AddHeaderField(1, true, hf(":path", "/svc/Method"), false, 10)
	c.AddHeaderField(1, true, hf("content-type", "application/grpc"), false, 10)
	c.AddData(1, true, []byte("req-body"), true, 11)
	assert.Equal(t, StateHalfClosed, c.StateOf(1))
	assert.Empty(t, c.Completed())

	c.AddHeaderField(1, false, hf(":status", "200"), false, 20)
	c.AddData(1, false, []byte("resp-body"), true, 21)
	assert.Equal(t, StateClosed, c.StateOf(1))

	recs := c.Completed()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, uint32(1), rec.StreamID)
	assert.Equal(t, "POST", rec.Method())
	assert.Equal(t, "/svc/Method", rec.Path())
	assert.Equal(t, 200, rec.Status())
	assert.Equal(t, "req-body", string(rec.ReqBody))
	assert.Equal(t, "resp-body", string(rec.RespBody))
	assert.Equal(t, uint64(10), rec.ReqTimestampNS)
	assert.Equal(t, uint64(20), rec.RespTimestampNS)
}

func TestDataAccumulatesAcrossFrames(t *testing.T) {
	c := NewCorrelator(nil)
	c.AddHeaderField(3, false, hf(":status", "200"), false, 1)
	c.AddData(3, false, []byte("part1-"), false, 2)
	assert.Equal(t, StateDataReceived, c.StateOf(3))
	c.AddData(3, false, []byte("part2"), true, 3)
	c.AddHeaderField(3, true, hf(":method", "GET"), true, 4)

	recs := c.Completed()
	require.Len(t, recs, 1)
	assert.Equal(t, "part1-part2", string(recs[0].RespBody))
}

func TestFramesAfterClosedAreDropped(t *testing.T) {
	var dropped []uint32
	c := NewCorrelator(func(id uint32) { dropped = append(dropped, id) })

	c.AddHeaderField(5, true, hf(":method", "GET"), true, 1)
	c.AddHeaderField(5, false, hf(":status", "200"), true, 2)
	require.Len(t, c.Completed(), 1)
	assert.Equal(t, StateClosed, c.StateOf(5))

	c.AddData(5, false, []byte("late"), false, 3)
	assert.Equal(t, []uint32{5}, dropped)
	assert.Empty(t, c.Completed())
}

func TestFlushEmitsHalfClosed(t *testing.T) {
	c := NewCorrelator(nil)
	c.AddHeaderField(1, true, hf(":method", "POST"), false, 1)
	c.AddData(1, true, []byte("body"), true, 2)

	// Stream 7 has no ended half and must not be flushed.
	c.AddHeaderField(7, true, hf(":method", "GET"), false, 3)

	recs := c.Flush()
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(1), recs[0].StreamID)
	assert.Equal(t, "POST", recs[0].Method())
	assert.Equal(t, StateClosed, c.StateOf(1))
	assert.Equal(t, StateHeadersReceived, c.StateOf(7))
}

func TestIndependentStreams(t *testing.T) {
	c := NewCorrelator(nil)
	c.AddHeaderField(1, true, hf(":method", "GET"), true, 1)
	c.AddHeaderField(3, true, hf(":method", "PUT"), true, 1)
	c.AddHeaderField(1, false, hf(":status", "200"), true, 2)
	require.Len(t, c.Completed(), 1)
	assert.Equal(t, StateHalfClosed, c.StateOf(3))
}
