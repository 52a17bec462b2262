package sockettrace

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/speedscale/pixie/bpf"
	"github.com/speedscale/pixie/internal/httpparse"
)

// transferHTTPStreams parses every stream's contiguous runs and emits the
// selected records. Requests are parsed from the opposite direction and
// paired FIFO with responses to fill the request columns.
func (c *Connector) transferHTTPStreams() {
	requestor := c.requestorSide(bpf.ProtocolHTTP)
	for _, s := range c.httpStreams {
		var respEvents, reqEvents *orderedEvents
		var respOffset, reqOffset *uint64
		if requestor {
			respEvents, respOffset = &s.recv, &s.recvOffset
			reqEvents, reqOffset = &s.send, &s.sendOffset
		} else {
			respEvents, respOffset = &s.send, &s.sendOffset
			reqEvents, reqOffset = &s.recv, &s.recvOffset
		}

		reqs := c.parseEventStream(httpparse.TypeRequest, reqEvents, reqOffset)
		s.reqQueue = append(s.reqQueue, reqs...)

		responses := c.parseEventStream(httpparse.TypeResponse, respEvents, respOffset)
		for i := range responses {
			c.consumeHTTPMessage(s, &responses[i])
		}
	}
}

// parseEventStream feeds the longest contiguous run of a direction's
// events to the parser, then erases what was consumed and updates the
// direction's byte-offset watermark.
func (c *Connector) parseEventStream(t httpparse.MessageType, events *orderedEvents, offset *uint64) []httpparse.Message {
	if events.len() == 0 {
		return nil
	}
	slices, timestamps := events.contiguousRun(*offset)
	if slices == nil {
		return nil
	}

	res := httpparse.Parse(t, slices, timestamps)
	c.stats.ParseErrors.Add(uint64(res.Errors))

	origOffset := *offset
	events.eraseFirst(res.End.EventIndex)
	newOffset := uint64(res.End.ByteOffset)
	if res.End.EventIndex == 0 {
		// The first slice was trimmed by the previous watermark; progress
		// within it is relative to that trim.
		newOffset += origOffset
	}
	*offset = newOffset

	return res.Messages
}

// consumeHTTPMessage pairs a response with its request, applies the
// selection rules, post-processes the body, and appends a row.
func (c *Connector) consumeHTTPMessage(s *eventStream, msg *httpparse.Message) {
	var req *httpparse.Message
	if len(s.reqQueue) > 0 {
		req = &s.reqQueue[0]
		s.reqQueue = s.reqQueue[1:]
	}

	if !c.selectHTTPMessage(msg) {
		c.stats.FilteredOut.Add(1)
		return
	}

	// Decompression runs after filtering, so excluded records cost nothing.
	preProcessHTTPRecord(msg)
	c.appendHTTPMessage(s, msg, req)
}

func (c *Connector) selectHTTPMessage(msg *httpparse.Message) bool {
	if msg.Type != httpparse.TypeResponse {
		return false
	}
	if len(msg.Headers["Content-Type"]) == 0 {
		return false
	}
	return c.filter.Matches(msg.Headers)
}

// preProcessHTTPRecord decodes compressed bodies in place. Unknown
// encodings pass through untouched.
func preProcessHTTPRecord(msg *httpparse.Message) {
	encodings := msg.Headers["Content-Encoding"]
	if len(encodings) == 0 {
		return
	}
	decoded, err := decompressBody(msg.Body, encodings[0])
	if err != nil {
		glog.Warningf("body decompression (%s) failed: %v", encodings[0], err)
		return
	}
	msg.Body = decoded
}

func decompressBody(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return body, nil
	}
}

func (c *Connector) appendHTTPMessage(s *eventStream, msg *httpparse.Message, req *httpparse.Message) {
	latency := int64(msg.TimestampNS) - int64(s.conn.openNS)
	if latency < 0 {
		glog.Warningf("negative response latency %d ns on tgid %d, clamped", latency, s.conn.tgid)
		latency = 0
	}

	var method, path string
	if req != nil {
		method = req.ReqMethod
		path = req.ReqPath
	}

	c.httpBatch.Row().
		AppendTime(int64(msg.TimestampNS)).
		AppendInt64(int64(s.conn.tgid)).
		AppendInt64(int64(s.conn.fd)).
		AppendString("http_response").
		AppendString(s.conn.addr).
		AppendInt64(s.conn.port).
		AppendInt64(int64(msg.MinorVersion)).
		AppendString(joinHeaders(msg.Headers)).
		AppendString(method).
		AppendString(path).
		AppendInt64(int64(msg.RespStatus)).
		AppendString(msg.RespMessage).
		AppendString(string(msg.Body)).
		AppendInt64(latency).
		Done()
	c.stats.RecordsEmitted.Add(1)
}

// joinHeaders renders the header multimap as "k: v" lines, keys sorted.
func joinHeaders(headers map[string][]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range headers[k] {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
		}
	}
	return b.String()
}
