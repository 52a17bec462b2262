package sockettrace

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedscale/pixie/bpf"
)

// fakeSource replays canned records, then reports a poll timeout like a
// drained perf buffer.
type fakeSource struct {
	recs   []Record
	closed bool
}

func (f *fakeSource) push(raws ...[]byte) {
	for _, raw := range raws {
		f.recs = append(f.recs, Record{RawSample: raw})
	}
}

func (f *fakeSource) pushLoss(n uint64) {
	f.recs = append(f.recs, Record{LostSamples: n})
}

func (f *fakeSource) Read() (Record, error) {
	if len(f.recs) == 0 {
		return Record{}, os.ErrDeadlineExceeded
	}
	rec := f.recs[0]
	f.recs = f.recs[1:]
	return rec, nil
}

func (f *fakeSource) SetDeadline(time.Time) {}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func encodeLE(t *testing.T, v any) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, v))
	return b.Bytes()
}

func openRecord(t *testing.T, tgid, connID uint32, tsNS uint64, ip string, port uint32) []byte {
	ci := bpf.ConnInfoT{
		TimestampNs: tsNS,
		Tgid:        tgid,
		ConnId:      connID,
		Fd:          3,
		AddrFamily:  afInet,
		Port:        port,
	}
	parsed := net.ParseIP(ip).To4()
	require.NotNil(t, parsed)
	copy(ci.Addr[:], parsed)
	return encodeLE(t, &ci)
}

func closeRecord(t *testing.T, tgid, connID uint32) []byte {
	return encodeLE(t, &bpf.ConnInfoT{Tgid: tgid, ConnId: connID})
}

func httpData(t *testing.T, tgid, connID, dir uint32, seq, tsNS uint64, payload string) []byte {
	eventType := uint32(bpf.EventTypeSyscallWrite)
	if dir == bpf.DirectionRecv {
		eventType = bpf.EventTypeSyscallRead
	}
	ev := bpf.SocketDataEventT{
		EventType:   eventType,
		Protocol:    bpf.ProtocolHTTP,
		Tgid:        tgid,
		ConnId:      connID,
		Direction:   dir,
		SeqNum:      seq,
		TimestampNs: tsNS,
		MsgSize:     uint32(len(payload)),
	}
	require.LessOrEqual(t, len(payload), bpf.MaxDataSize)
	copy(ev.Msg[:], payload)
	return encodeLE(t, &ev)
}

func mysqlData(t *testing.T, tgid, connID uint32, seq, tsNS uint64, payload string) []byte {
	ev := bpf.SocketDataEventT{
		EventType:   bpf.EventTypeSyscallWrite,
		Protocol:    bpf.ProtocolMySQL,
		Tgid:        tgid,
		ConnId:      connID,
		Direction:   bpf.DirectionSend,
		SeqNum:      seq,
		TimestampNs: tsNS,
		MsgSize:     uint32(len(payload)),
	}
	copy(ev.Msg[:], payload)
	return encodeLE(t, &ev)
}

func h2Header(t *testing.T, tgid, connID, headerType, streamID uint32, endStream bool, tsNS uint64, name, value string) []byte {
	ev := bpf.Http2HeaderEventT{
		ProbeType:   bpf.EventTypeGoHttp2Header,
		HeaderType:  headerType,
		TimestampNs: tsNS,
		Tgid:        tgid,
		ConnId:      connID,
		StreamId:    streamID,
		NameLen:     uint32(len(name)),
		ValueLen:    uint32(len(value)),
	}
	if endStream {
		ev.EndStream = 1
	}
	copy(ev.Name[:], name)
	copy(ev.Value[:], value)
	return encodeLE(t, &ev)
}

func h2Data(t *testing.T, tgid, connID, headerType, streamID uint32, endStream bool, tsNS uint64, payload []byte) []byte {
	ev := bpf.Http2DataEventT{
		ProbeType:   bpf.EventTypeGoHttp2Data,
		HeaderType:  headerType,
		TimestampNs: tsNS,
		Tgid:        tgid,
		ConnId:      connID,
		StreamId:    streamID,
		DataLen:     uint32(len(payload)),
	}
	if endStream {
		ev.EndStream = 1
	}
	copy(ev.Data[:], payload)
	return encodeLE(t, &ev)
}

type harness struct {
	c      *Connector
	opens  *fakeSource
	https  *fakeSource
	http2s *fakeSource
	closes *fakeSource
	mysqls *fakeSource
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	h := &harness{
		c:      c,
		opens:  &fakeSource{},
		https:  &fakeSource{},
		http2s: &fakeSource{},
		closes: &fakeSource{},
		mysqls: &fakeSource{},
	}
	c.AttachSource(HTTPTableNum, SourceConnOpen, h.opens)
	c.AttachSource(HTTPTableNum, SourceHTTPData, h.https)
	c.AttachSource(HTTPTableNum, SourceHTTP2Data, h.http2s)
	c.AttachSource(HTTPTableNum, SourceConnClose, h.closes)
	c.AttachSource(MySQLTableNum, SourceMySQLData, h.mysqls)
	return h
}

func defaultHarness(t *testing.T) *harness {
	return newHarness(t, Config{HTTPHeaderFilters: "Content-Type:json"})
}

func (h *harness) tick() {
	h.c.TransferData(HTTPTableNum)
	h.c.TransferData(MySQLTableNum)
}

func httpCol(name string) int { return HTTPTable.ColIndex(name) }

const respNoFraming = "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"a\":1}"

func TestSingleResponseSingleEvent(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming))
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, int64(2_000), b.Int64At(httpCol("time_"), 0))
	assert.Equal(t, int64(7), b.Int64At(httpCol("tgid"), 0))
	assert.Equal(t, int64(3), b.Int64At(httpCol("fd"), 0))
	assert.Equal(t, "http_response", b.StringAt(httpCol("event_type"), 0))
	assert.Equal(t, "10.0.0.1", b.StringAt(httpCol("remote_addr"), 0))
	assert.Equal(t, int64(80), b.Int64At(httpCol("remote_port"), 0))
	assert.Equal(t, int64(1), b.Int64At(httpCol("http_minor_version"), 0))
	assert.Contains(t, b.StringAt(httpCol("http_headers"), 0), "Content-Type: application/json")
	assert.Equal(t, int64(200), b.Int64At(httpCol("http_resp_status"), 0))
	assert.Equal(t, `{"a":1}`, b.StringAt(httpCol("http_resp_body"), 0))
	assert.Equal(t, int64(1_000), b.Int64At(httpCol("http_resp_latency_ns"), 0))
}

func TestResponseSplitAcrossTwoEvents(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(
		httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming[:20]),
		httpData(t, 7, 1, bpf.DirectionRecv, 1, 2_001, respNoFraming[20:]),
	)
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, int64(200), b.Int64At(httpCol("http_resp_status"), 0))
	assert.Equal(t, `{"a":1}`, b.StringAt(httpCol("http_resp_body"), 0))

	s := h.c.httpStreams[streamKey(7, 1)]
	require.NotNil(t, s)
	assert.Equal(t, uint64(0), s.recvOffset)
	assert.Equal(t, 0, s.recv.len())
}

func TestOutOfOrderArrival(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 1, 2_001, respNoFraming[20:]))
	h.tick()
	assert.Equal(t, 0, h.c.HTTPBatch().Len())

	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming[:20]))
	h.tick()
	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, `{"a":1}`, b.StringAt(httpCol("http_resp_body"), 0))
}

func TestLossAtHeadStallsUntilClose(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 1, 2_001, respNoFraming[20:]))
	h.tick()
	assert.Equal(t, 0, h.c.HTTPBatch().Len())

	h.closes.push(closeRecord(t, 7, 1))
	h.tick()
	assert.Equal(t, 0, h.c.HTTPBatch().Len())
	assert.Empty(t, h.c.httpStreams)
	assert.Empty(t, h.c.conns)

	// Data after close finds no connection record and is dropped.
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 2, 2_002, "x"))
	h.tick()
	assert.Empty(t, h.c.httpStreams)
	assert.Equal(t, uint64(1), h.c.StatsSnapshot().OrphanEvents)
}

func TestHTTP2GrpcRequest(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 9, 2, 1_000, "10.0.0.2", 443))
	h.http2s.push(
		h2Header(t, 9, 2, bpf.HeaderTypeWrite, 1, false, 2_000, ":method", "POST"),
		h2Header(t, 9, 2, bpf.HeaderTypeWrite, 1, false, 2_000, ":path", "/svc/Method"),
		h2Header(t, 9, 2, bpf.HeaderTypeWrite, 1, false, 2_000, "content-type", "application/grpc"),
		h2Data(t, 9, 2, bpf.HeaderTypeWrite, 1, true, 2_100, []byte{0, 0, 0, 0, 3, 'a', 'b', 'c'}),
	)
	h.closes.push(closeRecord(t, 9, 2))
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "POST", b.StringAt(httpCol("http_req_method"), 0))
	assert.Equal(t, "/svc/Method", b.StringAt(httpCol("http_req_path"), 0))
	assert.Equal(t, "10.0.0.2", b.StringAt(httpCol("remote_addr"), 0))
	assert.Contains(t, b.StringAt(httpCol("http_headers"), 0), "content-type: application/grpc")
}

func TestHTTP2FullExchange(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 9, 2, 1_000, "10.0.0.2", 443))
	h.http2s.push(
		h2Header(t, 9, 2, bpf.HeaderTypeWrite, 1, false, 2_000, ":method", "POST"),
		h2Header(t, 9, 2, bpf.HeaderTypeWrite, 1, false, 2_000, ":path", "/svc/Method"),
		h2Data(t, 9, 2, bpf.HeaderTypeWrite, 1, true, 2_100, []byte("req")),
		h2Header(t, 9, 2, bpf.HeaderTypeRead, 1, false, 3_000, ":status", "200"),
		h2Data(t, 9, 2, bpf.HeaderTypeRead, 1, true, 3_100, []byte("resp")),
	)
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "http2_response", b.StringAt(httpCol("event_type"), 0))
	assert.Equal(t, "POST", b.StringAt(httpCol("http_req_method"), 0))
	assert.Equal(t, int64(200), b.Int64At(httpCol("http_resp_status"), 0))
	assert.Equal(t, "resp", b.StringAt(httpCol("http_resp_body"), 0))
	assert.Equal(t, int64(3_000), b.Int64At(httpCol("time_"), 0))
	assert.Equal(t, int64(2_000), b.Int64At(httpCol("http_resp_latency_ns"), 0))
}

func TestFilterExcludes(t *testing.T) {
	h := newHarness(t, Config{HTTPHeaderFilters: "-Content-Type:json"})
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming))
	h.tick()

	assert.Equal(t, 0, h.c.HTTPBatch().Len())
	s := h.c.StatsSnapshot()
	assert.Equal(t, uint64(1), s.FilteredOut)
	assert.Equal(t, uint64(2), s.Processed)
}

func TestTickWithNoNewEventsIsNoop(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming))
	h.tick()

	before := h.c.StatsSnapshot()
	rows := h.c.HTTPBatch().Len()
	h.tick()
	h.tick()
	assert.Equal(t, before, h.c.StatsSnapshot())
	assert.Equal(t, rows, h.c.HTTPBatch().Len())
}

func TestOrphanDataEventDropped(t *testing.T) {
	h := defaultHarness(t)
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming))
	h.tick()

	assert.Equal(t, 0, h.c.HTTPBatch().Len())
	assert.Empty(t, h.c.httpStreams)
	assert.Equal(t, uint64(1), h.c.StatsSnapshot().OrphanEvents)
}

func TestDuplicateSeqNumLatestWins(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(
		httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, "HTTP/1.1 500 "),
		httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_001, respNoFraming),
	)
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, int64(200), b.Int64At(httpCol("http_resp_status"), 0))
	assert.Equal(t, uint64(1), h.c.StatsSnapshot().DupSeqNum)
}

func TestRequestResponsePairing(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(
		httpData(t, 7, 1, bpf.DirectionSend, 0, 1_500, "GET /items HTTP/1.1\r\nHost: a\r\n\r\n"),
		httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming),
	)
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "GET", b.StringAt(httpCol("http_req_method"), 0))
	assert.Equal(t, "/items", b.StringAt(httpCol("http_req_path"), 0))
}

func TestConsumedBytesMatchErasePlusOffset(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))

	hdr := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 10\r\n\r\n"
	body := "0123456789"
	s0 := hdr
	s1 := body[:6]
	s2 := body[6:] + "HTTP/" // tail plus the start of a next response
	h.https.push(
		httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, s0),
		httpData(t, 7, 1, bpf.DirectionRecv, 1, 2_001, s1),
		httpData(t, 7, 1, bpf.DirectionRecv, 2, 2_002, s2),
	)
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "0123456789", b.StringAt(httpCol("http_resp_body"), 0))

	s := h.c.httpStreams[streamKey(7, 1)]
	require.NotNil(t, s)
	consumed := len(hdr) + len(body)
	erased := len(s0) + len(s1)
	assert.Equal(t, consumed, erased+int(s.recvOffset))
	assert.Equal(t, 1, s.recv.len())
	assert.Less(t, s.recvOffset, s.recv.headPayloadSize())
}

const respFramed = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: application/json\r\n" +
	"Content-Length: 7\r\n" +
	"\r\n" +
	`{"a":1}`

func TestGapInMiddleConsumesPrefixOnly(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))

	// seq 0 is a complete response; seq 2 waits behind the missing seq 1.
	h.https.push(
		httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respFramed),
		httpData(t, 7, 1, bpf.DirectionRecv, 2, 2_002, respFramed),
	)
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	s := h.c.httpStreams[streamKey(7, 1)]
	require.NotNil(t, s)
	assert.Equal(t, 1, s.recv.len())

	// The gap fills; the waiting suffix parses.
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 1, 2_001, respFramed))
	h.tick()
	assert.Equal(t, 3, h.c.HTTPBatch().Len())
	assert.Equal(t, 0, s.recv.len())
}

func TestMaxDataSizePayload(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))

	hdr := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 4096\r\n\r\n"
	big := bytes.Repeat([]byte("x"), bpf.MaxDataSize)
	h.https.push(
		httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, hdr),
		httpData(t, 7, 1, bpf.DirectionRecv, 1, 2_001, string(big)),
	)
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Len(t, b.StringAt(httpCol("http_resp_body"), 0), bpf.MaxDataSize)

	s := h.c.httpStreams[streamKey(7, 1)]
	assert.Equal(t, 0, s.recv.len())
	assert.Equal(t, uint64(0), s.recvOffset)
}

func TestMySQLPassthrough(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 5, 9, 1_000, "192.168.0.5", 3306))
	h.mysqls.push(mysqlData(t, 5, 9, 0, 4_000, "\x03SELECT 1"))
	h.tick()

	b := h.c.MySQLBatch()
	require.Equal(t, 1, b.Len())
	s := MySQLTable
	assert.Equal(t, int64(4_000), b.Int64At(s.ColIndex("time_"), 0))
	assert.Equal(t, int64(5), b.Int64At(s.ColIndex("tgid"), 0))
	assert.Equal(t, int64(3), b.Int64At(s.ColIndex("fd"), 0))
	assert.Equal(t, "192.168.0.5", b.StringAt(s.ColIndex("remote_addr"), 0))
	assert.Equal(t, int64(3306), b.Int64At(s.ColIndex("remote_port"), 0))
	assert.Equal(t, "\x03SELECT 1", b.StringAt(s.ColIndex("body"), 0))
}

func TestMySQLNoConnSentinelEndpoint(t *testing.T) {
	h := defaultHarness(t)
	h.mysqls.push(mysqlData(t, 5, 9, 0, 4_000, "ping"))
	h.tick()

	b := h.c.MySQLBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "-", b.StringAt(MySQLTable.ColIndex("remote_addr"), 0))
	assert.Equal(t, int64(-1), b.Int64At(MySQLTable.ColIndex("remote_port"), 0))
	assert.Equal(t, int64(-1), b.Int64At(MySQLTable.ColIndex("fd"), 0))
}

func TestEndpointParseFailureCachedAsSentinel(t *testing.T) {
	h := defaultHarness(t)
	ci := bpf.ConnInfoT{TimestampNs: 1_000, Tgid: 5, ConnId: 9, Fd: 3, AddrFamily: 99}
	h.opens.push(encodeLE(t, &ci))
	h.mysqls.push(mysqlData(t, 5, 9, 0, 4_000, "ping"))
	h.tick()

	b := h.c.MySQLBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "-", b.StringAt(MySQLTable.ColIndex("remote_addr"), 0))
	e, ok := h.c.endpoints[streamKey(5, 9)]
	require.True(t, ok)
	assert.False(t, e.ok)
}

func TestLossNotificationCounted(t *testing.T) {
	h := defaultHarness(t)
	h.https.pushLoss(42)
	h.tick()
	assert.Equal(t, uint64(42), h.c.StatsSnapshot().LostEvents)
}

func TestClockOffsetAppliedOnce(t *testing.T) {
	h := newHarness(t, Config{HTTPHeaderFilters: "Content-Type:json", ClockOffsetNS: 1_000_000})
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming))
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, int64(1_002_000), b.Int64At(httpCol("time_"), 0))
	// Both sides are offset, so latency is unchanged.
	assert.Equal(t, int64(1_000), b.Int64At(httpCol("http_resp_latency_ns"), 0))
}

func TestMaskValidation(t *testing.T) {
	_, err := New(Config{Masks: map[uint32]Mask{bpf.ProtocolHTTP: MaskSendReq | MaskSendResp}})
	assert.Error(t, err)

	_, err = New(Config{Masks: map[uint32]Mask{bpf.ProtocolHTTP: 0}})
	assert.Error(t, err)

	_, err = New(Config{Masks: map[uint32]Mask{bpf.ProtocolHTTP: MaskRecvReq}})
	assert.NoError(t, err)
}

func TestResponderSideParsesSendDirection(t *testing.T) {
	h := newHarness(t, Config{
		HTTPHeaderFilters: "Content-Type:json",
		Masks: map[uint32]Mask{
			bpf.ProtocolHTTP:  MaskSendResp | MaskRecvReq,
			bpf.ProtocolHTTP2: MaskSendReq | MaskRecvResp,
			bpf.ProtocolMySQL: MaskSendReq,
		},
	})
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.9", 12345))
	h.https.push(
		httpData(t, 7, 1, bpf.DirectionRecv, 0, 1_500, "GET /items HTTP/1.1\r\nHost: a\r\n\r\n"),
		httpData(t, 7, 1, bpf.DirectionSend, 0, 2_000, respNoFraming),
	)
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "GET", b.StringAt(httpCol("http_req_method"), 0))
	assert.Equal(t, int64(200), b.Int64At(httpCol("http_resp_status"), 0))
}

func TestStopIsIdempotentAndClearsState(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming))
	h.tick()

	h.c.Stop()
	assert.True(t, h.opens.closed)
	assert.Empty(t, h.c.httpStreams)
	assert.Empty(t, h.c.conns)

	h.c.Stop() // no-op
	h.c.TransferData(HTTPTableNum)
	assert.Equal(t, 1, h.c.HTTPBatch().Len())
}

func TestStopFlushesHalfClosedHTTP2(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 9, 2, 1_000, "10.0.0.2", 443))
	h.http2s.push(
		h2Header(t, 9, 2, bpf.HeaderTypeWrite, 1, false, 2_000, ":method", "POST"),
		h2Data(t, 9, 2, bpf.HeaderTypeWrite, 1, true, 2_100, []byte("req")),
	)
	h.tick()
	assert.Equal(t, 0, h.c.HTTPBatch().Len())

	h.c.Stop()
	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "http2_request", b.StringAt(httpCol("event_type"), 0))
	assert.Equal(t, "POST", b.StringAt(httpCol("http_req_method"), 0))
}

func TestStaleReopenOverwritesWithWarning(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(
		openRecord(t, 7, 1, 1_000, "10.0.0.1", 80),
		openRecord(t, 7, 1, 5_000, "10.0.0.3", 81),
	)
	h.tick()

	ci, ok := h.c.lookupConn(streamKey(7, 1))
	require.True(t, ok)
	assert.Equal(t, uint64(5_000), ci.TimestampNs)
}

func TestBatchConsumerSnapshotAndReset(t *testing.T) {
	h := defaultHarness(t)
	h.opens.push(openRecord(t, 7, 1, 1_000, "10.0.0.1", 80))
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 0, 2_000, respNoFraming))
	h.tick()

	b := h.c.HTTPBatch()
	require.Equal(t, 1, b.Len())
	b.Reset()
	assert.Equal(t, 0, b.Len())

	// The next exchange lands in the fresh batch.
	h.https.push(httpData(t, 7, 1, bpf.DirectionRecv, 1, 3_000, respNoFraming))
	h.tick()
	assert.Equal(t, 1, b.Len())
}
