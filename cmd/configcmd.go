package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-notify/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the normalized mail settings and validate them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := config.LoadOptions(cmd)
			if err != nil {
				return err
			}
			raw, err := config.Load(opts.ConfigFile, opts.Prefix)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), raw)
		},
	}
}

func printConfig(w io.Writer, raw config.Properties) error {
	enabled, err := config.NotificationEnabled(raw)
	if err != nil {
		return err
	}

	props := config.Normalize(raw, nil)
	for _, key := range props.Keys() {
		value := props[key]
		if strings.Contains(key, "password") && value != "" {
			value = "********"
		}
		fmt.Fprintf(w, "%s=%s\n", key, value)
	}
	fmt.Fprintf(w, "\nnotification enabled: %t\n", enabled)

	if _, err := config.Parse(props); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintln(w, "configuration ok")
	return nil
}
