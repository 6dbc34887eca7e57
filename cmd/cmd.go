// Package cmd holds the subcommands of the mail-notify binary.
package cmd

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// Register adds the subcommands to root. root must carry the flags of
// config.RegisterFlags.
func Register(root *cobra.Command) {
	root.AddCommand(newInspectCmd(), newSendCmd(), newConfigCmd())
}

func cliLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
