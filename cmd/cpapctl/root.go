package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cpapsync/internal/client"
)

type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func rootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "cpapctl",
		Short:         "CPAP waveform analysis and room-state client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("CPAP_SERVER", "http://localhost:5001"), "cpapsync base URL")
	pf.StringVar(&opts.token, "token", os.Getenv("CPAP_TOKEN"), "bearer token (<prefix>.<secret>)")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(
		analyzeCommand(),
		uploadCommand(opts),
		currentCommand(opts),
		roomsCommand(opts),
		pressureCommand(opts),
		historyCommand(opts),
		vacateCommand(opts),
		tokenCommand(),
	)
	return rootCmd
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.server, o.token)
}

func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
