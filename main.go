package main

import (
	"os"

	"github.com/spf13/cobra"

	logx "github.com/chative/agent-runtime/pkg/logger"
)

func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "agent-runtime",
		Short:         "Chatbot agent execution runtime",
		Long:          "Runs configured chatbot packages as supervisor/worker agent graphs over chat and voice.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cmd.AddCommand(newServeCmd(&envFile))
	cmd.AddCommand(newChatCmd(&envFile))
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logx.Error().Err(err).Msg("agent-runtime exited with error")
		os.Exit(1)
	}
}
