// yai - streaming chat server
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "yai",
		Short: "Streaming chat server that answers questions token by token",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				level = slog.LevelInfo
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(logger)

			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, askCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
