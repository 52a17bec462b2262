// Package http2frame correlates pre-framed HTTP/2 events captured by the
// Go runtime probes into request/response records. The probes deliver
// header fields already decoded (the kernel side walks the HPACK state of
// the traced encoder), so no HPACK decoding happens here; the work is
// grouping fields and DATA payloads by stream id and pairing the two
// halves of each stream.
package http2frame

import (
	"strconv"

	"golang.org/x/net/http2/hpack"
)

// StreamStateKind tracks a stream through its lifecycle.
type StreamStateKind int

const (
	StateIdle StreamStateKind = iota
	StateHeadersReceived
	StateDataReceived
	StateHalfClosed
	StateClosed
)

// Record is one fully correlated stream: request headers and body paired
// with response headers and body.
type Record struct {
	StreamID        uint32
	ReqFields       []hpack.HeaderField
	RespFields      []hpack.HeaderField
	ReqBody         []byte
	RespBody        []byte
	ReqTimestampNS  uint64
	RespTimestampNS uint64
}

// Method returns the :method pseudo-header of the request half.
func (r *Record) Method() string { return fieldValue(r.ReqFields, ":method") }

// Path returns the :path pseudo-header of the request half.
func (r *Record) Path() string { return fieldValue(r.ReqFields, ":path") }

// Status returns the :status pseudo-header of the response half, or 0.
func (r *Record) Status() int {
	v := fieldValue(r.RespFields, ":status")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func fieldValue(fields []hpack.HeaderField, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

type half struct {
	fields []hpack.HeaderField
	body   []byte
	tsNS   uint64
	ended  bool
}

type stream struct {
	state StreamStateKind
	req   half
	resp  half
}

// DropHandler is notified when a frame arrives for an already-closed
// stream id.
type DropHandler func(streamID uint32)

// Correlator holds per-stream state for one connection.
type Correlator struct {
	streams   map[uint32]*stream
	closed    map[uint32]struct{}
	completed []Record
	onDrop    DropHandler
}

func NewCorrelator(onDrop DropHandler) *Correlator {
	return &Correlator{
		streams: make(map[uint32]*stream),
		closed:  make(map[uint32]struct{}),
		onDrop:  onDrop,
	}
}

// AddHeaderField records one decoded header field. isRequest selects the
// half; endStream marks the carrying HEADERS frame's END_STREAM flag.
func (c *Correlator) AddHeaderField(streamID uint32, isRequest bool, f hpack.HeaderField, endStream bool, tsNS uint64) {
	s := c.lookup(streamID)
	if s == nil {
		return
	}
	h := s.half(isRequest)
	h.fields = append(h.fields, f)
	if h.tsNS == 0 {
		h.tsNS = tsNS
	}
	if s.state == StateIdle {
		s.state = StateHeadersReceived
	}
	if endStream {
		c.endHalf(streamID, s, h)
	}
}

// AddData appends a DATA frame payload to the selected half.
func (c *Correlator) AddData(streamID uint32, isRequest bool, payload []byte, endStream bool, tsNS uint64) {
	s := c.lookup(streamID)
	if s == nil {
		return
	}
	h := s.half(isRequest)
	h.body = append(h.body, payload...)
	if h.tsNS == 0 {
		h.tsNS = tsNS
	}
	if s.state == StateIdle || s.state == StateHeadersReceived {
		s.state = StateDataReceived
	}
	if endStream {
		c.endHalf(streamID, s, h)
	}
}

// Completed drains the records whose both halves have ended.
func (c *Correlator) Completed() []Record {
	out := c.completed
	c.completed = nil
	return out
}

// Flush drains completed records plus a record for every half-closed
// stream, releasing their state. Used when the connection closes with
// exchanges still in flight.
func (c *Correlator) Flush() []Record {
	out := c.Completed()
	for id, s := range c.streams {
		if !s.req.ended && !s.resp.ended {
			continue
		}
		out = append(out, Record{
			StreamID:        id,
			ReqFields:       s.req.fields,
			RespFields:      s.resp.fields,
			ReqBody:         s.req.body,
			RespBody:        s.resp.body,
			ReqTimestampNS:  s.req.tsNS,
			RespTimestampNS: s.resp.tsNS,
		})
		delete(c.streams, id)
		c.closed[id] = struct{}{}
	}
	return out
}

// StateOf reports the lifecycle state of a stream id, for tests.
func (c *Correlator) StateOf(streamID uint32) StreamStateKind {
	if _, ok := c.closed[streamID]; ok {
		return StateClosed
	}
	if s, ok := c.streams[streamID]; ok {
		return s.state
	}
	return StateIdle
}

func (c *Correlator) lookup(streamID uint32) *stream {
	if _, ok := c.closed[streamID]; ok {
		if c.onDrop != nil {
			c.onDrop(streamID)
		}
		return nil
	}
	s, ok := c.streams[streamID]
	if !ok {
		s = &stream{}
		c.streams[streamID] = s
	}
	return s
}

func (c *Correlator) endHalf(streamID uint32, s *stream, h *half) {
	h.ended = true
	if s.req.ended && s.resp.ended {
		c.completed = append(c.completed, Record{
			StreamID:        streamID,
			ReqFields:       s.req.fields,
			RespFields:      s.resp.fields,
			ReqBody:         s.req.body,
			RespBody:        s.resp.body,
			ReqTimestampNS:  s.req.tsNS,
			RespTimestampNS: s.resp.tsNS,
		})
		delete(c.streams, streamID)
		c.closed[streamID] = struct{}{}
		return
	}
	s.state = StateHalfClosed
}

func (s *stream) half(isRequest bool) *half {
	if isRequest {
		return &s.req
	}
	return &s.resp
}
