package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/web-casa/dockwatch/internal/docker"
	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/multiplexer"
)

func newWatchCmd(load func() settings) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print container state changes as they happen",
		Example: `  # Watch a local backend
  dockwatchctl watch

  # Watch a remote backend with auth
  DOCKWATCH_TOKEN=... dockwatchctl watch --url wss://dash.example.com/ws`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return runUntilInterrupted(cmd, load(), multiplexer.Consumer{
				OnInitialState: func(cs []model.Container) { printContainers(out, cs) },
				OnStateChange:  func(c model.Container) { printStateChange(out, c, time.Now()) },
			}, nil)
		},
	}
}

func printContainers(w io.Writer, cs []model.Container) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CONTAINER ID\tNAME\tSTATE\tIMAGE\tPORTS")
	for _, c := range cs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", docker.ShortID(c.ID), c.Name, c.State, c.Image, c.Ports)
	}
	_ = tw.Flush()
}

func printStateChange(w io.Writer, c model.Container, at time.Time) {
	_, _ = fmt.Fprintf(w, "%s  %s  %s -> %s\n", at.Format("15:04:05"), docker.ShortID(c.ID), c.Name, c.State)
}
