package subcmds

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/speedscale/pixie/internal"
	"github.com/speedscale/pixie/params"
	"github.com/speedscale/pixie/slog"
)

func ReassembleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reassemble <id>",
		Short: "Reassemble the saved body fragments of a captured session",
		Long:  `Reassemble the saved body fragments of a captured session.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			client, err := internal.NewSpannerClient(ctx, params.RunfDb)
			if err != nil {
				slog.Error("NewSpannerClient failed:", "err", err)
				return
			}

			defer client.Close()
			body, err := internal.ReassembleBody(ctx, client, args[0])
			if err != nil {
				slog.Error("ReassembleBody failed:", "err", err)
				return
			}

			slog.Info("reassembled:", "id", args[0], "len", len(body))
			cmd.Println(body)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVar(&params.RunfDb, "db", "", "Spanner database (projects/p/instances/i/databases/d)")
	return cmd
}
