package sockettrace

import "github.com/speedscale/pixie/internal/table"

// Table numbers, in the order TransferData expects them.
const (
	HTTPTableNum = iota
	MySQLTableNum
	numTables
)

// HTTPTable is the schema of emitted HTTP records (HTTP/1 and HTTP/2).
var HTTPTable = table.NewSchema("http_events",
	table.Element{Name: "time_", Type: table.Time64NS},
	table.Element{Name: "tgid", Type: table.Int64},
	table.Element{Name: "fd", Type: table.Int64},
	table.Element{Name: "event_type", Type: table.String},
	table.Element{Name: "remote_addr", Type: table.String},
	table.Element{Name: "remote_port", Type: table.Int64},
	table.Element{Name: "http_minor_version", Type: table.Int64},
	table.Element{Name: "http_headers", Type: table.String},
	table.Element{Name: "http_req_method", Type: table.String},
	table.Element{Name: "http_req_path", Type: table.String},
	table.Element{Name: "http_resp_status", Type: table.Int64},
	table.Element{Name: "http_resp_message", Type: table.String},
	table.Element{Name: "http_resp_body", Type: table.String},
	table.Element{Name: "http_resp_latency_ns", Type: table.Int64},
)

// MySQLTable is the schema of the provisional single-event MySQL table.
var MySQLTable = table.NewSchema("mysql_events",
	table.Element{Name: "time_", Type: table.Time64NS},
	table.Element{Name: "tgid", Type: table.Int64},
	table.Element{Name: "fd", Type: table.Int64},
	table.Element{Name: "bpf_event", Type: table.Int64},
	table.Element{Name: "remote_addr", Type: table.String},
	table.Element{Name: "remote_port", Type: table.Int64},
	table.Element{Name: "body", Type: table.String},
)
