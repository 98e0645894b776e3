package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "liveroom",
	Short:        "Live chapter room signaling server",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(newServeCmd(), newJoinCmd(), newTokenCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}
