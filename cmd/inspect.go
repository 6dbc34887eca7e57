package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-notify/filter"
	"github.com/dhcgn/mail-notify/mbox"
	"github.com/dhcgn/mail-notify/stats"
)

var headersToTrack = []string{"Delivered-To", "Subject", "From", "To"}

type inspectOptions struct {
	reportDir     string
	topN          int
	includeHeader []string
	includeBody   []string
	excludeHeader []string
	excludeBody   []string
}

func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect [mbox file]",
		Short: "Show which mail in an mbox file the forward filter would pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.reportDir, "output", "o", "", "Output directory for CSV reports (no reports when empty)")
	cmd.Flags().IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display in statistics")
	cmd.Flags().StringArrayVar(&opts.includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&opts.includeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&opts.excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	cmd.Flags().StringArrayVar(&opts.excludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return cmd
}

func inspect(w io.Writer, mboxPath string, opts *inspectOptions) error {
	f, err := filter.New(filter.Options{
		IncludeHeader: opts.includeHeader,
		IncludeBody:   opts.includeBody,
		ExcludeHeader: opts.excludeHeader,
		ExcludeBody:   opts.excludeBody,
	})
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	total, err := mbox.CountMessages(mboxPath)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	fmt.Fprintf(w, "Analyzing mbox file: %s (%d messages)\n", mboxPath, total)

	counter := make(map[string]map[string]int)
	for _, h := range headersToTrack {
		counter[h] = make(map[string]int)
	}

	matched, skipped := 0, 0
	err = mbox.Read(mboxPath, func(m *mbox.MboxMessage) error {
		if !f.Allows([]byte(formatHeaders(m.Headers)), m.Body) {
			skipped++
			return nil
		}

		matched++
		for _, headerName := range headersToTrack {
			if value := m.Headers.Get(headerName); value != "" {
				counter[headerName][value]++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error reading mbox file: %w", err)
	}

	var filterPercent float64
	if matched+skipped > 0 {
		filterPercent = float64(skipped) / float64(matched+skipped) * 100
	}
	fmt.Fprintf(w, "Matched %d messages (skipped %d by filters, %.2f%%)\n\n", matched, skipped, filterPercent)

	for _, header := range headersToTrack {
		fmt.Fprintf(w, "Top %d %s:\n", opts.topN, header)
		stats.PrettyPrintTop(w, counter[header], opts.topN)
		fmt.Fprintln(w)
	}

	if opts.reportDir == "" {
		return nil
	}
	if err := saveCSVReports(counter, headersToTrack, opts.reportDir, 1000); err != nil {
		return fmt.Errorf("error saving CSV reports: %w", err)
	}
	fmt.Fprintf(w, "Reports saved to directory: %s\n", opts.reportDir)
	return nil
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header)))
		if err := writeCSV(filePath, stats.Top(counter[header], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func formatHeaders(headers map[string][]string) string {
	var sb strings.Builder
	for key, values := range headers {
		for _, value := range values {
			sb.WriteString(key)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
