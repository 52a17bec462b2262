package sockettrace

import (
	"fmt"
	"net"

	"github.com/golang/glog"
	"github.com/speedscale/pixie/bpf"
)

// streamKey packs (tgid, conn id) into the 64-bit identifier of one
// logical connection on the host.
func streamKey(tgid, connID uint32) uint64 {
	return uint64(tgid)<<32 | uint64(connID)
}

// Sentinel endpoint used when the raw sockaddr could not be parsed.
const (
	sentinelAddr = "-"
	sentinelPort = -1
)

type endpointEntry struct {
	addr string
	port int64
	ok   bool
}

const (
	afInet  = 2
	afInet6 = 10
)

func parseSockAddr(ci *bpf.ConnInfoT) (string, int64, error) {
	switch ci.AddrFamily {
	case afInet:
		return net.IP(ci.Addr[:4]).String(), int64(ci.Port), nil
	case afInet6:
		return net.IP(ci.Addr[:16]).String(), int64(ci.Port), nil
	default:
		return "", 0, fmt.Errorf("unsupported address family %d", ci.AddrFamily)
	}
}

// openConn records a connection open event. Re-opening a live stream key
// means the close event was lost; the stale record is overwritten.
func (c *Connector) openConn(ci *bpf.ConnInfoT) {
	key := streamKey(ci.Tgid, ci.ConnId)
	if _, ok := c.conns[key]; ok {
		glog.Warningf("stale connection record overwritten for stream %d", key)
	}
	info := *ci
	info.TimestampNs += c.clockOffset
	c.conns[key] = &info
}

// closeConn erases the connection record, its endpoint cache entry and
// any stream state, atomically from the tick thread's point of view.
// In-flight HTTP/2 exchanges with at least one finished half are flushed
// before the state goes away.
func (c *Connector) closeConn(ci *bpf.ConnInfoT) {
	key := streamKey(ci.Tgid, ci.ConnId)
	if s, ok := c.http2Streams[key]; ok {
		c.flushHTTP2Stream(s)
	}
	delete(c.conns, key)
	delete(c.endpoints, key)
	delete(c.httpStreams, key)
	delete(c.http2Streams, key)
}

// lookupConn returns the connection record for a stream key, if any.
func (c *Connector) lookupConn(key uint64) (*bpf.ConnInfoT, bool) {
	ci, ok := c.conns[key]
	return ci, ok
}

// endpoint returns the parsed remote endpoint for a stream key, memoized
// per stream. A parse failure is cached as the sentinel and logged once.
func (c *Connector) endpoint(key uint64) (string, int64) {
	if e, ok := c.endpoints[key]; ok {
		return e.addr, e.port
	}
	ci, ok := c.conns[key]
	if !ok {
		return sentinelAddr, sentinelPort
	}
	addr, port, err := parseSockAddr(ci)
	if err != nil {
		glog.Warningf("could not parse remote address for stream %d: %v", key, err)
		c.endpoints[key] = endpointEntry{addr: sentinelAddr, port: sentinelPort}
		return sentinelAddr, sentinelPort
	}
	c.endpoints[key] = endpointEntry{addr: addr, port: port, ok: true}
	return addr, port
}
