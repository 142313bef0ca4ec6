package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	bindAddr string
)

// Execute builds the command tree and runs it. Running rtrelay with no
// subcommand starts the server.
func Execute(version, commit, date string) {
	rootCmd := &cobra.Command{
		Use:   "rtrelay",
		Short: "Realtime voice relay",
		Long:  "rtrelay bridges browser websockets to the OpenAI realtime API and exposes a control API per session.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (.toml, .yaml); defaults to $RELAY_CONFIG_FILE")
	rootCmd.PersistentFlags().StringVar(&bindAddr, "addr", "", "override APP_BIND_ADDR")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rtrelay %s (commit %s, built %s, %s)\n", version, commit, date, runtime.Version())
		},
	}
}
