//go:build linux

package bpf

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/cilium/ebpf"
)

//go:embed socket_trace_bpfel.o
var bpfBytes []byte

// BpfObjects contains all programs and maps after loading into the kernel.
// Close it when the objects are no longer needed.
type BpfObjects struct {
	BpfPrograms
	BpfMaps
}

func (o *BpfObjects) Close() error {
	return closeAll(
		&o.BpfPrograms,
		&o.BpfMaps,
	)
}

// BpfPrograms mirrors the program sections of socket_trace.c.
type BpfPrograms struct {
	ProbeEntryConnect  *ebpf.Program `ebpf:"probe_entry_connect"`
	ProbeRetConnect    *ebpf.Program `ebpf:"probe_ret_connect"`
	ProbeEntryAccept   *ebpf.Program `ebpf:"probe_entry_accept"`
	ProbeRetAccept     *ebpf.Program `ebpf:"probe_ret_accept"`
	ProbeEntryAccept4  *ebpf.Program `ebpf:"probe_entry_accept4"`
	ProbeRetAccept4    *ebpf.Program `ebpf:"probe_ret_accept4"`
	ProbeEntryWrite    *ebpf.Program `ebpf:"probe_entry_write"`
	ProbeRetWrite      *ebpf.Program `ebpf:"probe_ret_write"`
	ProbeEntrySend     *ebpf.Program `ebpf:"probe_entry_send"`
	ProbeRetSend       *ebpf.Program `ebpf:"probe_ret_send"`
	ProbeEntrySendto   *ebpf.Program `ebpf:"probe_entry_sendto"`
	ProbeRetSendto     *ebpf.Program `ebpf:"probe_ret_sendto"`
	ProbeEntryRead     *ebpf.Program `ebpf:"probe_entry_read"`
	ProbeRetRead       *ebpf.Program `ebpf:"probe_ret_read"`
	ProbeEntryRecv     *ebpf.Program `ebpf:"probe_entry_recv"`
	ProbeRetRecv       *ebpf.Program `ebpf:"probe_ret_recv"`
	ProbeEntryRecvfrom *ebpf.Program `ebpf:"probe_entry_recvfrom"`
	ProbeRetRecvfrom   *ebpf.Program `ebpf:"probe_ret_recvfrom"`
	ProbeClose         *ebpf.Program `ebpf:"probe_close"`

	CgroupConnect4    *ebpf.Program `ebpf:"cgroup_connect4"`
	CgroupSockRelease *ebpf.Program `ebpf:"cgroup_sock_release"`

	UprobeSslWrite    *ebpf.Program `ebpf:"uprobe_ssl_write"`
	UretprobeSslWrite *ebpf.Program `ebpf:"uretprobe_ssl_write"`
	UprobeSslRead     *ebpf.Program `ebpf:"uprobe_ssl_read"`
	UretprobeSslRead  *ebpf.Program `ebpf:"uretprobe_ssl_read"`

	UprobeHttp2WriteHeader *ebpf.Program `ebpf:"uprobe_http2_write_header"`
	UprobeHttp2ReadHeader  *ebpf.Program `ebpf:"uprobe_http2_read_header"`
	UprobeHttp2WriteData   *ebpf.Program `ebpf:"uprobe_http2_write_data"`
	UprobeHttp2ReadData    *ebpf.Program `ebpf:"uprobe_http2_read_data"`
}

func (p *BpfPrograms) Close() error {
	return closeAll(
		p.ProbeEntryConnect,
		p.ProbeRetConnect,
		p.ProbeEntryAccept,
		p.ProbeRetAccept,
		p.ProbeEntryAccept4,
		p.ProbeRetAccept4,
		p.ProbeEntryWrite,
		p.ProbeRetWrite,
		p.ProbeEntrySend,
		p.ProbeRetSend,
		p.ProbeEntrySendto,
		p.ProbeRetSendto,
		p.ProbeEntryRead,
		p.ProbeRetRead,
		p.ProbeEntryRecv,
		p.ProbeRetRecv,
		p.ProbeEntryRecvfrom,
		p.ProbeRetRecvfrom,
		p.ProbeClose,
		p.CgroupConnect4,
		p.CgroupSockRelease,
		p.UprobeSslWrite,
		p.UretprobeSslWrite,
		p.UprobeSslRead,
		p.UretprobeSslRead,
		p.UprobeHttp2WriteHeader,
		p.UprobeHttp2ReadHeader,
		p.UprobeHttp2WriteData,
		p.UprobeHttp2ReadData,
	)
}

// BpfMaps mirrors the map sections of socket_trace.c.
type BpfMaps struct {
	SocketHttpEvents  *ebpf.Map `ebpf:"socket_http_events"`
	SocketMysqlEvents *ebpf.Map `ebpf:"socket_mysql_events"`
	SocketHttp2Events *ebpf.Map `ebpf:"socket_http2_events"`
	SocketOpenConns   *ebpf.Map `ebpf:"socket_open_conns"`
	SocketCloseConns  *ebpf.Map `ebpf:"socket_close_conns"`
	ControlMap        *ebpf.Map `ebpf:"control_map"`
	TgidsToTrace      *ebpf.Map `ebpf:"tgids_to_trace"`
}

func (m *BpfMaps) Close() error {
	return closeAll(
		m.SocketHttpEvents,
		m.SocketMysqlEvents,
		m.SocketHttp2Events,
		m.SocketOpenConns,
		m.SocketCloseConns,
		m.ControlMap,
		m.TgidsToTrace,
	)
}

// LoadBpf returns the embedded CollectionSpec.
func LoadBpf() (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bpfBytes))
	if err != nil {
		return nil, fmt.Errorf("can't load socket_trace: %w", err)
	}
	return spec, nil
}

// LoadBpfObjects loads the embedded objects into the kernel and assigns
// them to obj.
func LoadBpfObjects(obj *BpfObjects, opts *ebpf.CollectionOptions) error {
	spec, err := LoadBpf()
	if err != nil {
		return err
	}
	return spec.LoadAndAssign(obj, opts)
}

func closeAll(closers ...interface{ Close() error }) error {
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}
