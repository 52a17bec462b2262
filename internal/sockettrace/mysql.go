package sockettrace

import (
	"github.com/golang/glog"
	"github.com/speedscale/pixie/bpf"
)

// transferMySQLEvent appends one row per data event, raw payload
// included. Provisional: MySQL will move to stream assembly like HTTP,
// at which point this passthrough goes away.
func (c *Connector) transferMySQLEvent(ev *bpf.SocketDataEventT) {
	key := streamKey(ev.Tgid, ev.ConnId)
	fd := int64(-1)
	addr, port := sentinelAddr, int64(sentinelPort)
	if ci, ok := c.lookupConn(key); ok {
		fd = int64(ci.Fd)
		addr, port = c.endpoint(key)
	} else {
		glog.V(1).Infof("no connection record for mysql stream %d", key)
	}

	c.mysqlBatch.Row().
		AppendTime(int64(ev.TimestampNs)).
		AppendInt64(int64(ev.Tgid)).
		AppendInt64(fd).
		AppendInt64(int64(ev.EventType)).
		AppendString(addr).
		AppendInt64(port).
		AppendString(string(ev.Payload())).
		Done()
	c.stats.RecordsEmitted.Add(1)
}
