package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsession/pkg/config"
)

var settings *config.Settings

var rootCmd = &cobra.Command{
	Use:          "chatsession",
	Short:        "chatsession is a terminal client for time-limited group chats",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		settings = s
		// attach re-initializes logging once it knows whether the TUI owns the terminal
		return initLogger(s.LogLevel, os.Stderr)
	},
}

func main() {
	config.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newAttachCommand())
	directoryCmds, err := newDirectoryCommands()
	cobra.CheckErr(err)
	rootCmd.AddCommand(directoryCmds...)
	rootCmd.AddCommand(newTokenCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
