package sockettrace

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/net/http2/hpack"

	"github.com/speedscale/pixie/bpf"
	"github.com/speedscale/pixie/internal/http2frame"
)

// http2Stream is the per-connection HTTP/2 state: frame events are
// already decoded and in order, so there is no reorder buffer, just the
// stream-id correlator.
type http2Stream struct {
	conn        connMeta
	corr        *http2frame.Correlator
	lastEventNS uint64
}

// dispatchHTTP2 decodes one record from the HTTP/2 buffer. Header-field
// and DATA events share a buffer and are told apart by the leading word.
func (c *Connector) dispatchHTTP2(raw []byte) {
	if len(raw) < 4 {
		c.stats.DecodeErrors.Add(1)
		glog.Errorf("short http2 record: %d bytes", len(raw))
		return
	}
	switch binary.LittleEndian.Uint32(raw[:4]) {
	case bpf.EventTypeGoHttp2Header:
		var ev bpf.Http2HeaderEventT
		if !c.decode(raw, &ev) {
			return
		}
		c.acceptHTTP2Header(&ev)
	case bpf.EventTypeGoHttp2Data:
		var ev bpf.Http2DataEventT
		if !c.decode(raw, &ev) {
			return
		}
		c.acceptHTTP2Data(&ev)
	default:
		c.stats.DecodeErrors.Add(1)
		glog.Errorf("unknown http2 record type %d", binary.LittleEndian.Uint32(raw[:4]))
	}
}

func (c *Connector) acceptHTTP2Header(ev *bpf.Http2HeaderEventT) {
	s := c.http2StreamFor(ev.Tgid, ev.ConnId)
	if s == nil {
		return
	}
	ts := ev.TimestampNs + c.clockOffset
	field := hpack.HeaderField{Name: ev.HeaderName(), Value: ev.HeaderValue()}
	s.corr.AddHeaderField(ev.StreamId, c.http2IsRequest(ev.HeaderType), field, ev.EndStream != 0, ts)
	if ts > s.lastEventNS {
		s.lastEventNS = ts
	}
}

func (c *Connector) acceptHTTP2Data(ev *bpf.Http2DataEventT) {
	s := c.http2StreamFor(ev.Tgid, ev.ConnId)
	if s == nil {
		return
	}
	ts := ev.TimestampNs + c.clockOffset
	payload := append([]byte(nil), ev.Payload()...)
	s.corr.AddData(ev.StreamId, c.http2IsRequest(ev.HeaderType), payload, ev.EndStream != 0, ts)
	if ts > s.lastEventNS {
		s.lastEventNS = ts
	}
}

// http2IsRequest maps a frame's read/write side to request vs response,
// given which side of the connection is being traced.
func (c *Connector) http2IsRequest(headerType uint32) bool {
	if c.requestorSide(bpf.ProtocolHTTP2) {
		return headerType == bpf.HeaderTypeWrite
	}
	return headerType == bpf.HeaderTypeRead
}

func (c *Connector) http2StreamFor(tgid, connID uint32) *http2Stream {
	key := streamKey(tgid, connID)
	if s, ok := c.http2Streams[key]; ok {
		return s
	}
	ci, ok := c.lookupConn(key)
	if !ok {
		c.stats.OrphanEvents.Add(1)
		glog.Warningf("did not record connect/accept for stream %d", key)
		return nil
	}
	addr, port := c.endpoint(key)
	s := &http2Stream{
		conn: connMeta{
			openNS: ci.TimestampNs,
			tgid:   ci.Tgid,
			fd:     ci.Fd,
			addr:   addr,
			port:   port,
		},
		corr: http2frame.NewCorrelator(func(streamID uint32) {
			c.stats.ClosedDrops.Add(1)
			glog.Warningf("dropping frame for closed http2 stream %d on conn %d", streamID, key)
		}),
	}
	c.http2Streams[key] = s
	return s
}

// transferHTTP2Streams drains completed request/response pairs into the
// HTTP table.
func (c *Connector) transferHTTP2Streams() {
	for _, s := range c.http2Streams {
		for _, rec := range s.corr.Completed() {
			c.appendHTTP2Record(s, &rec)
		}
	}
}

// flushHTTP2Stream emits whatever half-closed exchanges remain on a
// connection, on close or agent stop.
func (c *Connector) flushHTTP2Stream(s *http2Stream) {
	for _, rec := range s.corr.Flush() {
		c.appendHTTP2Record(s, &rec)
	}
}

func (c *Connector) appendHTTP2Record(s *http2Stream, rec *http2frame.Record) {
	// A stream flushed before any response frame arrived is reported as a
	// request record with the request-side fields.
	eventType := "http2_response"
	ts := rec.RespTimestampNS
	fields := rec.RespFields
	if len(rec.RespFields) == 0 && rec.RespTimestampNS == 0 {
		eventType = "http2_request"
		ts = rec.ReqTimestampNS
		fields = rec.ReqFields
	}

	latency := int64(ts) - int64(s.conn.openNS)
	if latency < 0 {
		glog.Warningf("negative response latency %d ns on tgid %d, clamped", latency, s.conn.tgid)
		latency = 0
	}

	c.httpBatch.Row().
		AppendTime(int64(ts)).
		AppendInt64(int64(s.conn.tgid)).
		AppendInt64(int64(s.conn.fd)).
		AppendString(eventType).
		AppendString(s.conn.addr).
		AppendInt64(s.conn.port).
		AppendInt64(0).
		AppendString(joinHeaderFields(fields)).
		AppendString(rec.Method()).
		AppendString(rec.Path()).
		AppendInt64(int64(rec.Status())).
		AppendString("").
		AppendString(string(rec.RespBody)).
		AppendInt64(latency).
		Done()
	c.stats.RecordsEmitted.Add(1)
}

// joinHeaderFields renders non-pseudo header fields as "k: v" lines,
// sorted by name.
func joinHeaderFields(fields []hpack.HeaderField) string {
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		lines = append(lines, f.Name+": "+f.Value)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
