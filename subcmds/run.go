//go:build linux

package subcmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/speedscale/pixie/bpf"
	"github.com/speedscale/pixie/internal"
	internalglog "github.com/speedscale/pixie/internal/glog"
	"github.com/speedscale/pixie/internal/sockettrace"
	"github.com/speedscale/pixie/internal/table"
	"github.com/speedscale/pixie/params"
)

const (
	TGID_ENABLE_ALL = 0xFFFFFFFF
)

func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run as agent (long running)",
		Long:  `Run as agent (long running).`,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error)

			go run(ctx, done)

			go func() {
				sigch := make(chan os.Signal, 1)
				signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
				<-sigch
				cancel()
			}()

			<-done
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVar(&params.RunfUprobes, "uprobes", "", "Lib/bin files to attach to uprobes (comma-separated)")
	cmd.Flags().BoolVar(&params.RunfSaveDb, "savedb", false, "If set to true, save records to Spanner")
	cmd.Flags().StringVar(&params.RunfDb, "db", "", "Spanner database (projects/p/instances/i/databases/d)")
	cmd.Flags().BoolVar(&params.RunfDisableLogs, "nologs", false, "If set to true, disable logs (for performance)")
	cmd.Flags().StringVar(&params.RunfHTTPHeaderFilters, "http-response-header-filters", "Content-Type:json",
		"Comma-separated <header>:<substr> pairs selecting HTTP responses; prefix an entry with '-' to exclude")
	cmd.Flags().IntVar(&params.RunfSamplingPeriodMs, "sampling-period-ms", 100, "Transfer tick period")
	cmd.Flags().IntVar(&params.RunfPushPeriodMs, "push-period-ms", 1000, "Downstream push period")
	cmd.Flags().Uint64Var(&params.RunfHTTPMask, "http-mask", uint64(sockettrace.MaskSendReq|sockettrace.MaskRecvResp), "HTTP trace side mask")
	cmd.Flags().Uint64Var(&params.RunfHTTP2Mask, "http2-mask", uint64(sockettrace.MaskSendReq|sockettrace.MaskRecvResp), "HTTP/2 trace side mask")
	cmd.Flags().Uint64Var(&params.RunfMySQLMask, "mysql-mask", uint64(sockettrace.MaskSendReq), "MySQL trace side mask")
	cmd.Flags().DurationVar(&params.RunfStreamRetention, "stream-retention", 0, "Discard streams idle longer than this (0 = unbounded)")
	return cmd
}

// probeSpec pairs a syscall with the program attached at its entry or
// return.
type probeSpec struct {
	syscall string
	program *ebpf.Program
	ret     bool
}

func run(ctx context.Context, done chan error) {
	defer func() { done <- nil }()

	glog.Infof("Running on [%v]", internal.Uname())

	// Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		glog.Errorf("RemoveMemlock failed: %v", err)
		return
	}

	// Load pre-compiled programs and maps into the kernel.
	objs := bpf.BpfObjects{}
	if err := bpf.LoadBpfObjects(&objs, nil); err != nil {
		glog.Errorf("loadBpfObjects failed: %v", err)
		return
	}

	defer objs.Close()
	internalglog.LogInfo("BPF objects loaded")

	links := []link.Link{}
	defer func(list *[]link.Link) {
		for _, l := range *list {
			if err := l.Close(); err != nil {
				glog.Errorf("link.Close failed: %v", err)
			}
		}
	}(&links)

	probes := []probeSpec{
		{"connect", objs.ProbeEntryConnect, false},
		{"connect", objs.ProbeRetConnect, true},
		{"accept", objs.ProbeEntryAccept, false},
		{"accept", objs.ProbeRetAccept, true},
		{"accept4", objs.ProbeEntryAccept4, false},
		{"accept4", objs.ProbeRetAccept4, true},
		{"write", objs.ProbeEntryWrite, false},
		{"write", objs.ProbeRetWrite, true},
		{"send", objs.ProbeEntrySend, false},
		{"send", objs.ProbeRetSend, true},
		{"sendto", objs.ProbeEntrySendto, false},
		{"sendto", objs.ProbeRetSendto, true},
		{"read", objs.ProbeEntryRead, false},
		{"read", objs.ProbeRetRead, true},
		{"recv", objs.ProbeEntryRecv, false},
		{"recv", objs.ProbeRetRecv, true},
		{"recvfrom", objs.ProbeEntryRecvfrom, false},
		{"recvfrom", objs.ProbeRetRecvfrom, true},
		{"close", objs.ProbeClose, false},
	}

	for _, p := range probes {
		symbol := "__x64_sys_" + p.syscall
		var l link.Link
		var err error
		if p.ret {
			l, err = link.Kretprobe(symbol, p.program, nil)
		} else {
			l, err = link.Kprobe(symbol, p.program, nil)
		}

		if err != nil {
			glog.Errorf("kprobe/%s failed: %v", symbol, err)
			return
		}

		links = append(links, l)
	}

	internalglog.LogInfof("%d kprobes attached", len(links))

	cgroupPath, err := internal.FindCgroupPath()
	if err != nil {
		glog.Errorf("FindCgroupPath failed: %v", err)
	} else {
		l, err := link.AttachCgroup(link.CgroupOptions{
			Path:    cgroupPath,
			Attach:  ebpf.AttachCGroupInet4Connect,
			Program: objs.CgroupConnect4,
		})

		if err != nil {
			glog.Errorf("attaching cgroup/connect4 to %v failed: %v", cgroupPath, err)
		} else {
			links = append(links, l)
		}

		l, err = link.AttachCgroup(link.CgroupOptions{
			Path:    cgroupPath,
			Attach:  ebpf.AttachCgroupInetSockRelease,
			Program: objs.CgroupSockRelease,
		})

		if err != nil {
			glog.Errorf("attaching cgroup/sock_release to %v failed: %v", cgroupPath, err)
		} else {
			links = append(links, l)
		}
	}

	masks := map[uint32]sockettrace.Mask{
		bpf.ProtocolHTTP:  sockettrace.Mask(params.RunfHTTPMask),
		bpf.ProtocolHTTP2: sockettrace.Mask(params.RunfHTTP2Mask),
		bpf.ProtocolMySQL: sockettrace.Mask(params.RunfMySQLMask),
	}

	conn, err := sockettrace.New(sockettrace.Config{
		HTTPHeaderFilters: params.RunfHTTPHeaderFilters,
		Masks:             masks,
		ClockOffsetNS:     internal.RealTimeOffset(),
		PollBudget:        time.Millisecond,
		StreamRetention:   params.RunfStreamRetention,
	})

	if err != nil {
		glog.Errorf("sockettrace.New failed: %v", err)
		return
	}

	// Mirror the side masks into the kernel so the probes capture only the
	// configured directions.
	for proto, mask := range masks {
		if err := objs.ControlMap.Put(proto, uint64(mask)); err != nil {
			glog.Errorf("control_map update for protocol %d failed: %v", proto, err)
			return
		}
	}

	isk8s := internal.IsK8s()

	if !isk8s {
		// Enable tracing for all processes if not in k8s.
		err = objs.TgidsToTrace.Put(uint32(TGID_ENABLE_ALL), []byte{1})
		if err != nil {
			glog.Errorf("TgidsToTrace.Put (TGID_ENABLE_ALL) failed: %v", err)
		}
	}

	uprobeFiles := strings.Split(params.RunfUprobes, ",")
	if libsslPath, err := internal.FindLibSSL(""); err == nil {
		uprobeFiles = append(uprobeFiles, libsslPath)
	}

	for _, uf := range uprobeFiles {
		if uf == "" {
			continue
		}

		ex, err := link.OpenExecutable(uf)
		if err != nil {
			glog.Errorf("OpenExecutable failed: %v", err)
			continue
		}

		glog.Infof("attaching u[ret]probes to [%s]", uf)
		setupUprobes(ex, &links, &objs)
	}

	pageSize := os.Getpagesize()
	type bufferSpec struct {
		name     string
		m        *ebpf.Map
		pages    int
		tableNum int
		kind     sockettrace.SourceKind
	}

	buffers := []bufferSpec{
		{"socket_open_conns", objs.SocketOpenConns, 8, sockettrace.HTTPTableNum, sockettrace.SourceConnOpen},
		{"socket_http_events", objs.SocketHttpEvents, 8, sockettrace.HTTPTableNum, sockettrace.SourceHTTPData},
		{"socket_http2_events", objs.SocketHttp2Events, 32, sockettrace.HTTPTableNum, sockettrace.SourceHTTP2Data},
		{"socket_mysql_events", objs.SocketMysqlEvents, 8, sockettrace.MySQLTableNum, sockettrace.SourceMySQLData},
		{"socket_close_conns", objs.SocketCloseConns, 8, sockettrace.HTTPTableNum, sockettrace.SourceConnClose},
	}

	for _, b := range buffers {
		src, err := sockettrace.NewPerfSource(b.m, b.pages*pageSize)
		if err != nil {
			glog.Errorf("perf reader for %s failed: %v", b.name, err)
			return
		}

		conn.AttachSource(b.tableNum, b.kind, src)
	}

	defer conn.Stop()

	var wg sync.WaitGroup

	podWatcher := internal.NewPodWatcher()
	if isk8s {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := podWatcher.Run(internal.ChildCtx(ctx), time.Second*10); err != nil {
				glog.Errorf("pod watcher failed: %v", err)
			}
		}()
	}

	var sink *internal.Sink
	if params.RunfSaveDb {
		client, err := internal.NewSpannerClient(ctx, params.RunfDb)
		if err != nil {
			glog.Errorf("NewSpannerClient failed: %v", err)
			return
		}

		defer client.Close()
		sink = internal.NewSink(client, time.Duration(params.RunfPushPeriodMs)*time.Millisecond)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Run(internal.ChildCtx(ctx))
		}()
	}

	tickerSample := time.NewTicker(time.Duration(params.RunfSamplingPeriodMs) * time.Millisecond)
	defer tickerSample.Stop()
	tickerPush := time.NewTicker(time.Duration(params.RunfPushPeriodMs) * time.Millisecond)
	defer tickerPush.Stop()
	tickerStats := time.NewTicker(time.Second * 30)
	defer tickerStats.Stop()

	var rowIdx uint64

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tickerSample.C:
			conn.TransferData(sockettrace.HTTPTableNum)
			conn.TransferData(sockettrace.MySQLTableNum)
		case <-tickerPush.C:
			pushHTTPBatch(conn.HTTPBatch(), sink, podWatcher, isk8s, &rowIdx)
			pushMySQLBatch(conn.MySQLBatch(), sink, &rowIdx)
		case <-tickerStats.C:
			s := conn.StatsSnapshot()
			internalglog.LogInfof("%d events processed, %d lost, %d orphaned, %d dup seq, %d parse errors, %d records",
				s.Processed, s.LostEvents, s.OrphanEvents, s.DupSeqNum, s.ParseErrors, s.RecordsEmitted)
		}
	}

	internalglog.LogInfo("received signal, exiting...")
	conn.Stop()
	pushHTTPBatch(conn.HTTPBatch(), sink, podWatcher, isk8s, &rowIdx)
	pushMySQLBatch(conn.MySQLBatch(), sink, &rowIdx)
	wg.Wait()
}

// pushHTTPBatch converts the accumulated HTTP rows into sink payloads and
// resets the batch.
func pushHTTPBatch(b *table.Batch, sink *internal.Sink, pw *internal.PodWatcher, isk8s bool, rowIdx *uint64) {
	defer b.Reset()
	if sink == nil || b.Len() == 0 {
		return
	}

	s := b.Schema()
	cols := make([]string, 0, len(s.Elements())+5)
	cols = append(cols, "id", "idx")
	for _, e := range s.Elements() {
		cols = append(cols, e.Name)
	}
	cols = append(cols, "container_name", "container_image", "pod_name")

	var podUids map[string]string
	if isk8s {
		podUids = pw.PodUids()
	}

	for row := 0; row < b.Len(); row++ {
		vals := make([]any, 0, len(cols))
		tgid := b.Int64At(s.ColIndex("tgid"), row)
		fd := b.Int64At(s.ColIndex("fd"), row)
		vals = append(vals, fmt.Sprintf("%d/%d", tgid, fd))
		vals = append(vals, int64(atomic.AddUint64(rowIdx, 1)))
		for i, e := range s.Elements() {
			switch e.Type {
			case table.String:
				vals = append(vals, b.StringAt(i, row))
			default:
				vals = append(vals, b.Int64At(i, row))
			}
		}

		var containerName, containerImage, podName string
		if isk8s {
			if info, ok := pw.ContainerByIP(b.StringAt(s.ColIndex("remote_addr"), row)); ok {
				containerName = info.Name
				containerImage = info.Image
				podName = podUids[info.PodUId]
			}
		}
		vals = append(vals, containerName, containerImage, podName)

		if !sink.Put(internal.SpannerPayload{Table: s.Name(), Cols: cols, Vals: vals}) {
			glog.Warningf("sink queue full, dropping %s row", s.Name())
		}
	}
}

func pushMySQLBatch(b *table.Batch, sink *internal.Sink, rowIdx *uint64) {
	defer b.Reset()
	if sink == nil || b.Len() == 0 {
		return
	}

	s := b.Schema()
	cols := make([]string, 0, len(s.Elements())+2)
	cols = append(cols, "id", "idx")
	for _, e := range s.Elements() {
		cols = append(cols, e.Name)
	}

	for row := 0; row < b.Len(); row++ {
		vals := make([]any, 0, len(cols))
		tgid := b.Int64At(s.ColIndex("tgid"), row)
		fd := b.Int64At(s.ColIndex("fd"), row)
		vals = append(vals, fmt.Sprintf("%d/%d", tgid, fd))
		vals = append(vals, int64(atomic.AddUint64(rowIdx, 1)))
		for i, e := range s.Elements() {
			switch e.Type {
			case table.String:
				vals = append(vals, b.StringAt(i, row))
			default:
				vals = append(vals, b.Int64At(i, row))
			}
		}

		if !sink.Put(internal.SpannerPayload{Table: s.Name(), Cols: cols, Vals: vals}) {
			glog.Warningf("sink queue full, dropping %s row", s.Name())
		}
	}
}

func setupUprobes(ex *link.Executable, links *[]link.Link, objs *bpf.BpfObjects) {
	l, err := ex.Uprobe("SSL_write", objs.UprobeSslWrite, nil)
	if err != nil {
		glog.Errorf("uprobe/SSL_write failed: %v", err)
	} else {
		*links = append(*links, l)
	}

	l, err = ex.Uretprobe("SSL_write", objs.UretprobeSslWrite, nil)
	if err != nil {
		glog.Errorf("uretprobe/SSL_write failed: %v", err)
	} else {
		*links = append(*links, l)
	}

	l, err = ex.Uprobe("SSL_read", objs.UprobeSslRead, nil)
	if err != nil {
		glog.Errorf("uprobe/SSL_read failed: %v", err)
	} else {
		*links = append(*links, l)
	}

	l, err = ex.Uretprobe("SSL_read", objs.UretprobeSslRead, nil)
	if err != nil {
		glog.Errorf("uretprobe/SSL_read failed: %v", err)
	} else {
		*links = append(*links, l)
	}

	// Go HTTP/2 runtime probes; these resolve only on Go binaries built
	// with the http2 framer linked in.
	type goProbe struct {
		symbol  string
		program *ebpf.Program
	}

	goProbes := []goProbe{
		{"golang.org/x/net/http2.(*Framer).WriteHeaders", objs.UprobeHttp2WriteHeader},
		{"golang.org/x/net/http2.(*Framer).ReadFrame", objs.UprobeHttp2ReadHeader},
		{"golang.org/x/net/http2.(*Framer).WriteData", objs.UprobeHttp2WriteData},
		{"golang.org/x/net/http2.(*Framer).checkFrameOrder", objs.UprobeHttp2ReadData},
	}

	for _, p := range goProbes {
		l, err := ex.Uprobe(p.symbol, p.program, nil)
		if err != nil {
			glog.V(1).Infof("uprobe/%s not attached: %v", p.symbol, err)
			continue
		}

		*links = append(*links, l)
	}
}
