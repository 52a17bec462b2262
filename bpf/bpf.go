// Package bpf holds the Go bindings for the pre-compiled socket-trace BPF
// objects plus the event structs shared with bpf/socket_trace.h. Struct
// layouts here must stay byte-for-byte identical with the kernel side;
// everything is little-endian.
package bpf

// Same defs as bpf/socket_trace.h.
const (
	MaxDataSize        = 4096
	HeaderFieldStrSize = 128
)

// Event types carried in the first word of every data record.
const (
	EventTypeUnknown = iota
	EventTypeSyscallWrite
	EventTypeSyscallSend
	EventTypeSyscallRead
	EventTypeSyscallRecv
	EventTypeConnOpen
	EventTypeConnClose
	EventTypeGoHttp2Header
	EventTypeGoHttp2Data
)

// Traffic direction relative to the traced process.
const (
	DirectionUnknown = iota
	DirectionSend
	DirectionRecv
)

// Protocol tags assigned by the kernel-side protocol inference.
const (
	ProtocolUnknown = iota
	ProtocolHTTP
	ProtocolHTTP2
	ProtocolMySQL
	NumProtocols
)

// HeaderType values for HTTP/2 probe events.
const (
	HeaderTypeUnknown = iota
	HeaderTypeWrite
	HeaderTypeRead
)

// SocketDataEventT mirrors socket_data_event_t. The header is 48 bytes
// (a multiple of 8) followed by up to MaxDataSize payload bytes.
type SocketDataEventT struct {
	EventType   uint32
	Protocol    uint32
	Tgid        uint32
	ConnId      uint32
	Direction   uint32
	_           [4]byte
	SeqNum      uint64
	TimestampNs uint64
	MsgSize     uint32
	_           [4]byte
	Msg         [MaxDataSize]byte
}

// Payload returns the valid portion of the event's message buffer.
func (e *SocketDataEventT) Payload() []byte {
	n := e.MsgSize
	if n > MaxDataSize {
		n = MaxDataSize
	}
	return e.Msg[:n]
}

// ConnInfoT mirrors conn_info_t, submitted on socket open and close.
type ConnInfoT struct {
	TimestampNs uint64
	Tgid        uint32
	ConnId      uint32
	Fd          int32
	AddrFamily  uint32
	Port        uint32
	_           [4]byte
	Addr        [16]byte
}

// Http2HeaderEventT mirrors go_http2_header_event_t: one decoded header
// field per record, name and value capped at HeaderFieldStrSize.
type Http2HeaderEventT struct {
	ProbeType   uint32
	HeaderType  uint32
	TimestampNs uint64
	Tgid        uint32
	ConnId      uint32
	StreamId    uint32
	EndStream   uint32
	NameLen     uint32
	Name        [HeaderFieldStrSize]byte
	ValueLen    uint32
	Value       [HeaderFieldStrSize]byte
}

// HeaderName returns the field name, truncated to the kernel-side cap.
func (e *Http2HeaderEventT) HeaderName() string {
	n := e.NameLen
	if n > HeaderFieldStrSize {
		n = HeaderFieldStrSize
	}
	return string(e.Name[:n])
}

// HeaderValue returns the field value, truncated to the kernel-side cap.
func (e *Http2HeaderEventT) HeaderValue() string {
	n := e.ValueLen
	if n > HeaderFieldStrSize {
		n = HeaderFieldStrSize
	}
	return string(e.Value[:n])
}

// Http2DataEventT mirrors go_http2_data_event_t: one DATA frame payload
// captured from the Go runtime probes, already stripped of frame headers.
type Http2DataEventT struct {
	ProbeType   uint32
	HeaderType  uint32
	TimestampNs uint64
	Tgid        uint32
	ConnId      uint32
	StreamId    uint32
	EndStream   uint32
	DataLen     uint32
	_           [4]byte
	Data        [MaxDataSize]byte
}

// Payload returns the valid portion of the frame data.
func (e *Http2DataEventT) Payload() []byte {
	n := e.DataLen
	if n > MaxDataSize {
		n = MaxDataSize
	}
	return e.Data[:n]
}
