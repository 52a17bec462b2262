//go:build linux

//go:generate sh bpf/bpf2go.sh

package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/speedscale/pixie/subcmds"
)

var rootCmd = &cobra.Command{
	Use:   "pixie",
	Short: "Host-resident socket-trace observability agent",
	Long:  `Host-resident socket-trace observability agent.`,
}

func main() {
	flag.Parse()
	defer glog.Flush()

	rootCmd.AddCommand(
		subcmds.RunCmd(),
		subcmds.ReassembleCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
