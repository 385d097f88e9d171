package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/multiplexer"
)

func newStatsCmd(load func() settings) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <container-id>",
		Short: "Print resource usage samples of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			out := cmd.OutOrStdout()
			return runUntilInterrupted(cmd, load(), multiplexer.Consumer{
				Containers: []string{id},
				OnStats:    func(u model.StatsUpdate) { printStats(out, u.Stats) },
			}, func(sub *multiplexer.Subscription) {
				sub.StartStatsStream(id)
			})
		},
	}
}

const mib = 1024 * 1024

func printStats(w io.Writer, s model.StatsSample) {
	_, _ = fmt.Fprintf(w, "%s  cpu %6.2f%%  mem %.1f/%.1f MiB (%.2f%%)  net %d/%d B  disk %d/%d B\n",
		s.Timestamp.Format("15:04:05"),
		s.CPUPercent,
		float64(s.Memory.Usage)/mib, float64(s.Memory.Limit)/mib, s.Memory.Percent,
		s.Network.RX, s.Network.TX,
		s.DiskIO.Read, s.DiskIO.Write,
	)
}
