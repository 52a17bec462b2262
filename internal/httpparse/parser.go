// Package httpparse is a streaming HTTP/1.x message parser for captured
// socket data. Input arrives as a run of byte slices (one per captured
// kernel event); the parser emits every complete message it can and
// reports how far it got as an (event index, byte offset) pair so the
// caller can keep unconsumed bytes buffered across invocations.
package httpparse

import (
	"bytes"
	"net/textproto"
	"strconv"
	"strings"
)

type MessageType int

const (
	TypeRequest MessageType = iota + 1
	TypeResponse
)

// Message is one parsed HTTP/1.x request or response.
type Message struct {
	Type         MessageType
	MinorVersion int
	ReqMethod    string
	ReqPath      string
	RespStatus   int
	RespMessage  string
	Headers      map[string][]string
	Body         []byte
	TimestampNS  uint64
}

// EndPosition reports parser progress. EventIndex counts input slices
// fully consumed; ByteOffset is the number of bytes consumed within the
// next slice (zero if that slice was fully consumed or does not exist).
type EndPosition struct {
	EventIndex int
	ByteOffset int
}

// Result carries the parsed messages plus the consumption watermark.
type Result struct {
	Messages []Message
	End      EndPosition
	Errors   int
}

type parseStatus int

const (
	statusOK parseStatus = iota
	statusNeedMore
	statusMalformed
)

// An unterminated start, header or chunk line longer than this is treated
// as garbage rather than a partial message.
const maxLineLen = 8192

var crlf = []byte("\r\n")

var methods = []string{
	"GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH",
}

// Parse consumes as many complete messages of the given type as the input
// holds. timestamps[i] is the capture timestamp of slices[i]; each message
// inherits the timestamp of the slice containing its first byte. Bytes of
// an incomplete trailing message are not consumed.
func Parse(t MessageType, slices [][]byte, timestamps []uint64) Result {
	var total int
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}

	var res Result
	pos := 0
	for pos < len(buf) {
		msg, n, status := parseOne(t, buf[pos:])
		switch status {
		case statusOK:
			msg.TimestampNS = timestampAt(slices, timestamps, pos)
			res.Messages = append(res.Messages, msg)
			pos += n
		case statusNeedMore:
			res.End = endPosition(slices, pos)
			return res
		case statusMalformed:
			res.Errors++
			pos = resync(t, buf, pos)
		}
	}

	res.End = endPosition(slices, pos)
	return res
}

func parseOne(t MessageType, b []byte) (Message, int, parseStatus) {
	if t == TypeResponse {
		return parseResponse(b)
	}
	return parseRequest(b)
}

func parseResponse(b []byte) (Message, int, parseStatus) {
	// Reject non-response bytes before waiting for a full line, so a
	// garbage prefix resyncs instead of stalling the stream.
	if n := min(len(b), 7); !bytes.HasPrefix(b, []byte("HTTP/1.")[:n]) {
		return Message{}, 0, statusMalformed
	}

	eol := bytes.Index(b, crlf)
	if eol < 0 {
		if len(b) > maxLineLen {
			return Message{}, 0, statusMalformed
		}
		return Message{}, 0, statusNeedMore
	}
	line := b[:eol]
	if len(line) < 12 || line[8] != ' ' {
		return Message{}, 0, statusMalformed
	}
	minor := int(line[7] - '0')
	if minor != 0 && minor != 1 {
		return Message{}, 0, statusMalformed
	}
	status, err := strconv.Atoi(string(line[9:12]))
	if err != nil || status < 100 || status > 599 {
		return Message{}, 0, statusMalformed
	}
	var reason string
	if len(line) > 13 {
		reason = string(line[13:])
	}

	headers, bodyStart, st := parseHeaders(b, eol+2)
	if st != statusOK {
		return Message{}, 0, st
	}

	msg := Message{
		Type:         TypeResponse,
		MinorVersion: minor,
		RespStatus:   status,
		RespMessage:  reason,
		Headers:      headers,
	}

	if status < 200 || status == 204 || status == 304 {
		return msg, bodyStart, statusOK
	}

	body, n, st := parseBody(headers, b[bodyStart:], false)
	if st != statusOK {
		return Message{}, 0, st
	}
	msg.Body = body
	return msg, bodyStart + n, statusOK
}

func parseRequest(b []byte) (Message, int, parseStatus) {
	if !startsWithMethod(b) {
		return Message{}, 0, statusMalformed
	}

	eol := bytes.Index(b, crlf)
	if eol < 0 {
		if len(b) > maxLineLen {
			return Message{}, 0, statusMalformed
		}
		return Message{}, 0, statusNeedMore
	}
	parts := strings.SplitN(string(b[:eol]), " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") || len(parts[2]) != 8 {
		return Message{}, 0, statusMalformed
	}
	minor := int(parts[2][7] - '0')
	if minor != 0 && minor != 1 {
		return Message{}, 0, statusMalformed
	}

	headers, bodyStart, st := parseHeaders(b, eol+2)
	if st != statusOK {
		return Message{}, 0, st
	}

	msg := Message{
		Type:         TypeRequest,
		MinorVersion: minor,
		ReqMethod:    parts[0],
		ReqPath:      parts[1],
		Headers:      headers,
	}

	body, n, st := parseBody(headers, b[bodyStart:], true)
	if st != statusOK {
		return Message{}, 0, st
	}
	msg.Body = body
	return msg, bodyStart + n, statusOK
}

// parseHeaders parses the header block starting at off, returning the
// canonicalized multimap and the offset just past the blank line.
func parseHeaders(b []byte, off int) (map[string][]string, int, parseStatus) {
	headers := make(map[string][]string)
	for {
		rest := b[off:]
		eol := bytes.Index(rest, crlf)
		if eol < 0 {
			if len(rest) > maxLineLen {
				return nil, 0, statusMalformed
			}
			return nil, 0, statusNeedMore
		}
		if eol == 0 {
			return headers, off + 2, statusOK
		}
		line := rest[:eol]
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, 0, statusMalformed
		}
		name := textproto.CanonicalMIMEHeaderKey(string(line[:colon]))
		value := strings.TrimLeft(string(line[colon+1:]), " \t")
		headers[name] = append(headers[name], value)
		off += eol + 2
	}
}

// parseBody returns the (decoded) body and the number of raw bytes it
// spans. A response with neither Content-Length nor chunked framing has
// its body terminated only by connection close; all currently captured
// bytes are taken as the body.
func parseBody(headers map[string][]string, b []byte, isRequest bool) ([]byte, int, parseStatus) {
	if hasToken(headers["Transfer-Encoding"], "chunked") {
		return decodeChunked(b)
	}
	if cls := headers["Content-Length"]; len(cls) > 0 {
		n, err := strconv.Atoi(strings.TrimSpace(cls[0]))
		if err != nil || n < 0 {
			return nil, 0, statusMalformed
		}
		if len(b) < n {
			return nil, 0, statusNeedMore
		}
		return b[:n:n], n, statusOK
	}
	if isRequest {
		return nil, 0, statusOK
	}
	return b, len(b), statusOK
}

// decodeChunked decodes a chunked body, returning the joined chunk data
// and the raw encoded length consumed, trailers included.
func decodeChunked(b []byte) ([]byte, int, parseStatus) {
	var body []byte
	pos := 0
	for {
		rest := b[pos:]
		eol := bytes.Index(rest, crlf)
		if eol < 0 {
			if len(rest) > maxLineLen {
				return nil, 0, statusMalformed
			}
			return nil, 0, statusNeedMore
		}
		sizeStr := string(rest[:eol])
		if i := strings.IndexByte(sizeStr, ';'); i >= 0 {
			sizeStr = sizeStr[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return nil, 0, statusMalformed
		}
		pos += eol + 2

		if size == 0 {
			// Trailer section: zero or more header lines, then a blank line.
			for {
				rest = b[pos:]
				eol = bytes.Index(rest, crlf)
				if eol < 0 {
					if len(rest) > maxLineLen {
						return nil, 0, statusMalformed
					}
					return nil, 0, statusNeedMore
				}
				pos += eol + 2
				if eol == 0 {
					return body, pos, statusOK
				}
			}
		}

		if int64(len(b)-pos) < size+2 {
			return nil, 0, statusNeedMore
		}
		body = append(body, b[pos:pos+int(size)]...)
		pos += int(size)
		if b[pos] != '\r' || b[pos+1] != '\n' {
			return nil, 0, statusMalformed
		}
		pos += 2
	}
}

// resync advances past malformed bytes to the next plausible message start.
func resync(t MessageType, buf []byte, pos int) int {
	if t == TypeResponse {
		if i := bytes.Index(buf[pos+1:], []byte("HTTP/1.")); i >= 0 {
			return pos + 1 + i
		}
		return len(buf)
	}
	for i := pos + 1; i < len(buf); i++ {
		if startsWithMethod(buf[i:]) && (i == 0 || buf[i-1] == '\n') {
			return i
		}
	}
	return len(buf)
}

func startsWithMethod(b []byte) bool {
	for _, m := range methods {
		n := min(len(b), len(m)+1)
		if n > 0 && bytes.HasPrefix(b, []byte(m+" ")[:n]) {
			return true
		}
	}
	return false
}

func hasToken(values []string, token string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// endPosition converts an absolute consumed-byte count into slice
// coordinates: (slices fully consumed, bytes into the next slice).
func endPosition(slices [][]byte, consumed int) EndPosition {
	idx := 0
	for idx < len(slices) && consumed >= len(slices[idx]) {
		consumed -= len(slices[idx])
		idx++
	}
	return EndPosition{EventIndex: idx, ByteOffset: consumed}
}

// timestampAt returns the timestamp of the slice containing absolute
// position pos.
func timestampAt(slices [][]byte, timestamps []uint64, pos int) uint64 {
	for i, s := range slices {
		if pos < len(s) {
			return timestamps[i]
		}
		pos -= len(s)
	}
	if len(timestamps) > 0 {
		return timestamps[len(timestamps)-1]
	}
	return 0
}
