package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "a2a-exec",
		Short: "Agent-to-agent task execution server",
		Long: "a2a-exec runs the agent registry, task orchestrator, parallel execution engine and streaming progress bus described by the A2A task execution spec.",
		SilenceUsage: true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "path to a YAML config file watched for live overlay")
	_ = viper.BindPFlag("configFile", cmd.PersistentFlags().Lookup("config"))
	viper.SetEnvPrefix("A2A")
	viper.AutomaticEnv()

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newSubmitCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use: "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "a2a-exec %s\n", version)
		},
	}
}
