// Package cmd implements the dockwatchctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/web-casa/dockwatch/internal/logging"
	"github.com/web-casa/dockwatch/internal/multiplexer"
)

const (
	defaultURL      = "ws://localhost:5000/ws"
	defaultCoalesce = 100 * time.Millisecond
)

// settings is the resolved flag and environment configuration.
type settings struct {
	URL      string
	Token    string
	Coalesce time.Duration
	LogLevel string
}

// NewRootCmd builds the command tree. Flags can also be set through
// DOCKWATCH_URL, DOCKWATCH_TOKEN, DOCKWATCH_COALESCE and DOCKWATCH_LOG_LEVEL.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DOCKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "dockwatchctl",
		Short: "Terminal client for the dockwatch realtime API",
		Long: `dockwatchctl connects to a dockwatch backend over its WebSocket endpoint
and prints container state changes, log tails or stats samples.

Every command keeps running until interrupted. The connection is re-established
automatically if the backend goes away.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("url", defaultURL, "realtime endpoint of the backend")
	flags.String("token", "", "JWT for backends with auth enabled")
	flags.Duration("coalesce", defaultCoalesce, "log coalescing window")
	flags.String("log-level", "WARNING", "client log level (DEBUG, INFO, WARNING, ERROR)")
	for _, name := range []string{"url", "token", "coalesce", "log-level"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	load := func() settings {
		return settings{
			URL:      v.GetString("url"),
			Token:    v.GetString("token"),
			Coalesce: v.GetDuration("coalesce"),
			LogLevel: v.GetString("log-level"),
		}
	}

	root.AddCommand(newWatchCmd(load), newLogsCmd(load), newStatsCmd(load))
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newMultiplexer(s settings, stderr io.Writer) *multiplexer.Multiplexer {
	return multiplexer.New(multiplexer.Options{
		URL:            s.URL,
		Token:          s.Token,
		CoalesceWindow: s.Coalesce,
		Logger:         logging.New(stderr, logging.Options{Level: s.LogLevel, Format: "text"}),
	})
}

// runUntilInterrupted subscribes c, lets start request streams, and blocks
// until SIGINT, SIGTERM or cancellation of the command context. The
// subscription is released before returning, which closes the connection.
func runUntilInterrupted(cmd *cobra.Command, s settings, c multiplexer.Consumer, start func(*multiplexer.Subscription)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stderr := cmd.ErrOrStderr()
	if c.OnStatus == nil {
		c.OnStatus = func(st multiplexer.Status) { printStatus(stderr, st) }
	}
	if c.OnError == nil {
		c.OnError = func(msg string) { _, _ = fmt.Fprintf(stderr, "error: %s\n", msg) }
	}

	m := newMultiplexer(s, stderr)
	defer m.Close()

	sub := m.Subscribe(c)
	if start != nil {
		start(sub)
	}

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

func printStatus(w io.Writer, st multiplexer.Status) {
	if st.Reason != "" {
		_, _ = fmt.Fprintf(w, "[%s] %s\n", st.State, st.Reason)
		return
	}
	_, _ = fmt.Fprintf(w, "[%s]\n", st.State)
}
