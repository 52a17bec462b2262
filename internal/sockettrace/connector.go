// Package sockettrace turns the unordered event stream captured by the
// socket-trace BPF probes into structured protocol records. Events drain
// from per-protocol kernel buffers into per-connection reorder buffers,
// contiguous byte runs feed the streaming parsers, and selected records
// land in column-batched output tables.
//
// Everything here runs on a single periodic tick; the connector starts no
// goroutines and the only blocking call is the bounded buffer poll.
package sockettrace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/speedscale/pixie/bpf"
	"github.com/speedscale/pixie/internal/table"
)

// Per-protocol config mask bits. Exactly one of the requestor pair
// (SendReq|RecvResp) and the responder pair (SendResp|RecvReq) must be
// set for a configured protocol.
type Mask uint64

const (
	MaskSendReq Mask = 1 << iota
	MaskRecvResp
	MaskSendResp
	MaskRecvReq
)

// SourceKind tells the dispatcher how to decode records from a source;
// it mirrors which kernel buffer the source drains.
type SourceKind int

const (
	SourceConnOpen SourceKind = iota + 1
	SourceConnClose
	SourceHTTPData
	SourceHTTP2Data
	SourceMySQLData
)

// Record is one raw sample from a kernel buffer. LostSamples is non-zero
// on loss notifications instead of RawSample.
type Record struct {
	RawSample   []byte
	LostSamples uint64
}

// RecordSource drains one kernel buffer. Read returns
// os.ErrDeadlineExceeded once the deadline set by SetDeadline passes.
type RecordSource interface {
	Read() (Record, error)
	SetDeadline(time.Time)
	Close() error
}

type boundSource struct {
	kind SourceKind
	src  RecordSource
}

// Config carries the immutable-after-init knobs of the connector.
type Config struct {
	// HTTPHeaderFilters is the response selection DSL, e.g.
	// "Content-Type:json,-Content-Type:text".
	HTTPHeaderFilters string

	// Masks configures the traced side per protocol. Defaults to the
	// requestor side for HTTP, HTTP/2 and MySQL.
	Masks map[uint32]Mask

	// ClockOffsetNS converts the monotonic event timestamps to realtime.
	// Computed once at agent startup; never re-sampled per event.
	ClockOffsetNS uint64

	// PollBudget bounds the blocking poll per buffer per tick.
	PollBudget time.Duration

	// StreamRetention discards streams idle longer than this. Zero means
	// unbounded retention.
	StreamRetention time.Duration
}

// DefaultMasks is the standard requestor-side configuration.
func DefaultMasks() map[uint32]Mask {
	return map[uint32]Mask{
		bpf.ProtocolHTTP:  MaskSendReq | MaskRecvResp,
		bpf.ProtocolHTTP2: MaskSendReq | MaskRecvResp,
		bpf.ProtocolMySQL: MaskSendReq,
	}
}

// Connector owns all socket-trace state. It must only be used from a
// single goroutine; external readers take snapshots.
type Connector struct {
	filter      HeaderFilter
	masks       [bpf.NumProtocols]Mask
	clockOffset uint64
	pollBudget  time.Duration
	retention   time.Duration

	sources [numTables][]boundSource

	conns     map[uint64]*bpf.ConnInfoT
	endpoints map[uint64]endpointEntry

	httpStreams  map[uint64]*eventStream
	http2Streams map[uint64]*http2Stream

	httpBatch  *table.Batch
	mysqlBatch *table.Batch

	stats   Stats
	stopped bool
}

// New validates the configuration and builds a connector. A mask that
// selects both or neither side of a protocol is a programming error and
// fails here, before any event is processed.
func New(cfg Config) (*Connector, error) {
	masks := cfg.Masks
	if masks == nil {
		masks = DefaultMasks()
	}
	c := &Connector{
		filter:       ParseHeaderFilters(cfg.HTTPHeaderFilters),
		clockOffset:  cfg.ClockOffsetNS,
		pollBudget:   cfg.PollBudget,
		retention:    cfg.StreamRetention,
		conns:        make(map[uint64]*bpf.ConnInfoT),
		endpoints:    make(map[uint64]endpointEntry),
		httpStreams:  make(map[uint64]*eventStream),
		http2Streams: make(map[uint64]*http2Stream),
		httpBatch:    table.NewBatch(HTTPTable),
		mysqlBatch:   table.NewBatch(MySQLTable),
	}
	if c.pollBudget <= 0 {
		c.pollBudget = time.Millisecond
	}
	for proto, mask := range masks {
		if proto >= bpf.NumProtocols {
			return nil, fmt.Errorf("unknown protocol %d in config mask", proto)
		}
		requestor := mask&(MaskSendReq|MaskRecvResp) != 0
		responder := mask&(MaskSendResp|MaskRecvReq) != 0
		if requestor == responder {
			return nil, fmt.Errorf("protocol %d mask %#x must select exactly one of requestor and responder side", proto, mask)
		}
		c.masks[proto] = mask
	}
	return c, nil
}

// AttachSource binds a kernel buffer source to a table's drain path.
func (c *Connector) AttachSource(tableNum int, kind SourceKind, src RecordSource) {
	c.sources[tableNum] = append(c.sources[tableNum], boundSource{kind: kind, src: src})
}

// HTTPBatch returns the HTTP output batch. The caller owns snapshotting
// and resetting it on the push tick.
func (c *Connector) HTTPBatch() *table.Batch { return c.httpBatch }

// MySQLBatch returns the MySQL output batch.
func (c *Connector) MySQLBatch() *table.Batch { return c.mysqlBatch }

// StatsSnapshot returns a copy of the absorbed-condition counters.
func (c *Connector) StatsSnapshot() StatsSnapshot { return c.stats.Snapshot() }

// TransferData runs one tick for a table: drain the table's buffers,
// then move parsed records into the output batch.
func (c *Connector) TransferData(tableNum int) {
	if c.stopped {
		return
	}
	c.drain(tableNum)
	switch tableNum {
	case HTTPTableNum:
		c.transferHTTPStreams()
		c.transferHTTP2Streams()
	case MySQLTableNum:
		// MySQL rows are appended during the drain (single-event
		// passthrough, no stream assembly).
	default:
		glog.Errorf("TransferData: unknown table number %d", tableNum)
	}
	c.sweepIdleStreams()
}

// Stop closes all sources, flushes fully-parsed messages, and discards
// partial state. Idempotent.
func (c *Connector) Stop() {
	if c.stopped {
		return
	}
	for t := range c.sources {
		for _, bs := range c.sources[t] {
			if err := bs.src.Close(); err != nil {
				glog.Errorf("source close failed: %v", err)
			}
		}
	}
	c.transferHTTPStreams()
	c.transferHTTP2Streams()
	for _, s := range c.http2Streams {
		c.flushHTTP2Stream(s)
	}
	c.conns = make(map[uint64]*bpf.ConnInfoT)
	c.endpoints = make(map[uint64]endpointEntry)
	c.httpStreams = make(map[uint64]*eventStream)
	c.http2Streams = make(map[uint64]*http2Stream)
	c.stopped = true
}

func (c *Connector) drain(tableNum int) {
	for _, bs := range c.sources[tableNum] {
		bs.src.SetDeadline(time.Now().Add(c.pollBudget))
		for {
			rec, err := bs.src.Read()
			if err != nil {
				if !errors.Is(err, os.ErrDeadlineExceeded) {
					glog.V(1).Infof("source read stopped: %v", err)
				}
				break
			}
			if rec.LostSamples > 0 {
				c.stats.LostEvents.Add(rec.LostSamples)
				glog.V(1).Infof("possibly lost %d samples", rec.LostSamples)
				continue
			}
			c.dispatch(bs.kind, rec.RawSample)
		}
	}
}

func (c *Connector) dispatch(kind SourceKind, raw []byte) {
	c.stats.Processed.Add(1)
	switch kind {
	case SourceConnOpen:
		var ci bpf.ConnInfoT
		if !c.decode(raw, &ci) {
			return
		}
		c.openConn(&ci)
	case SourceConnClose:
		var ci bpf.ConnInfoT
		if !c.decode(raw, &ci) {
			return
		}
		c.closeConn(&ci)
	case SourceHTTPData:
		var ev bpf.SocketDataEventT
		if !c.decode(raw, &ev) {
			return
		}
		c.acceptEvent(&ev)
	case SourceMySQLData:
		var ev bpf.SocketDataEventT
		if !c.decode(raw, &ev) {
			return
		}
		ev.TimestampNs += c.clockOffset
		c.transferMySQLEvent(&ev)
	case SourceHTTP2Data:
		c.dispatchHTTP2(raw)
	default:
		glog.Errorf("dispatch: unknown source kind %d", kind)
	}
}

func (c *Connector) decode(raw []byte, out any) bool {
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, out); err != nil {
		c.stats.DecodeErrors.Add(1)
		glog.Errorf("parsing buffer record failed: %v", err)
		return false
	}
	return true
}

// acceptEvent admits one data event into its connection's reorder buffer.
// The monotonic timestamp is converted to wall clock here, once.
func (c *Connector) acceptEvent(ev *bpf.SocketDataEventT) {
	ev.TimestampNs += c.clockOffset
	switch ev.Protocol {
	case bpf.ProtocolHTTP:
		c.appendToStream(ev)
	default:
		glog.Warningf("acceptEvent ignored due to unexpected protocol: %d", ev.Protocol)
	}
}

func (c *Connector) appendToStream(ev *bpf.SocketDataEventT) {
	key := streamKey(ev.Tgid, ev.ConnId)
	s, ok := c.httpStreams[key]
	if !ok {
		ci, ok := c.lookupConn(key)
		if !ok {
			c.stats.OrphanEvents.Add(1)
			glog.Warningf("did not record connect/accept for stream %d", key)
			return
		}
		s = c.registerStream(key, ci, ev.Protocol)
	}

	var res insertResult
	switch ev.Direction {
	case bpf.DirectionSend:
		res = s.send.insert(ev)
	case bpf.DirectionRecv:
		res = s.recv.insert(ev)
	default:
		glog.Errorf("appendToStream: unknown direction %d", ev.Direction)
		return
	}
	switch res {
	case insertDuplicate:
		c.stats.DupSeqNum.Add(1)
		glog.Warningf("duplicate sequence number %d on stream %d overwritten", ev.SeqNum, key)
	case insertStale:
		c.stats.DupSeqNum.Add(1)
		glog.Warningf("already-consumed sequence number %d on stream %d dropped", ev.SeqNum, key)
		return
	}
	if ev.TimestampNs > s.lastEventNS {
		s.lastEventNS = ev.TimestampNs
	}
}

func (c *Connector) registerStream(key uint64, ci *bpf.ConnInfoT, protocol uint32) *eventStream {
	addr, port := c.endpoint(key)
	s := &eventStream{
		conn: connMeta{
			openNS: ci.TimestampNs,
			tgid:   ci.Tgid,
			fd:     ci.Fd,
			addr:   addr,
			port:   port,
		},
		protocol: protocol,
	}
	c.httpStreams[key] = s
	return s
}

// sweepIdleStreams enforces the retention cap, when one is set.
func (c *Connector) sweepIdleStreams() {
	if c.retention <= 0 {
		return
	}
	cutoff := uint64(time.Now().UnixNano()) - uint64(c.retention.Nanoseconds())
	for key, s := range c.httpStreams {
		if s.lastEventNS > 0 && s.lastEventNS < cutoff {
			delete(c.httpStreams, key)
		}
	}
	for key, s := range c.http2Streams {
		if s.lastEventNS > 0 && s.lastEventNS < cutoff {
			delete(c.http2Streams, key)
		}
	}
}

// requestorSide reports whether the configured mask traces the requestor
// side of the protocol. Mask validity was checked at construction.
func (c *Connector) requestorSide(protocol uint32) bool {
	return c.masks[protocol]&(MaskSendReq|MaskRecvResp) != 0
}
