package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/multiplexer"
)

func newLogsCmd(load func() settings) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <container-id>",
		Short: "Follow the log output of a container",
		Example: `  # Last 100 lines, then follow
  dockwatchctl logs 3f2a9c1b7d4e --tail 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			out := cmd.OutOrStdout()
			return runUntilInterrupted(cmd, load(), multiplexer.Consumer{
				Containers: []string{id},
				OnLog:      func(l model.LogChunk) { _, _ = io.WriteString(out, l.Log) },
			}, func(sub *multiplexer.Subscription) {
				sub.StartLogStream(id, tail)
			})
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "existing lines to print before following")
	return cmd
}
