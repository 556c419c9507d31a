package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"unicode/utf8"

	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// PrintConsole writes the one-shot scan summary to w.
func PrintConsole(w io.Writer, input string, results models.ScanResults) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Scan Report ===")
	fmt.Fprintf(w, "input length:   %d chars\n", utf8.RuneCountInString(input))
	fmt.Fprintf(w, "keywords found: %d\n", len(results.Keywords))
	fmt.Fprintf(w, "occurrences:    %d\n", results.SensitiveCount)
	fmt.Fprintf(w, "api calls:      %d\n", results.APICalls)
	fmt.Fprintf(w, "duration:       %s\n", results.DurationText)
	if results.Latency.P99 > 0 {
		fmt.Fprintf(w, "probe latency:  p50=%s p90=%s p99=%s max=%s\n",
			results.Latency.P50, results.Latency.P90, results.Latency.P99, results.Latency.Max)
	}

	if len(results.Keywords) > 0 {
		fmt.Fprintln(w)
		keywords := make([]string, 0, len(results.Keywords))
		for kw := range results.Keywords {
			keywords = append(keywords, kw)
		}
		sort.Strings(keywords)
		for _, kw := range keywords {
			positions := results.Keywords[kw]
			fmt.Fprintf(w, "  %q (%d)", kw, len(positions))
			for i, pos := range positions {
				if i == 0 {
					fmt.Fprint(w, " at ")
				} else {
					fmt.Fprint(w, ", ")
				}
				fmt.Fprintf(w, "%d-%d", pos.Start, pos.End)
			}
			fmt.Fprintln(w)
		}
	}

	if len(results.UnknownStatusCodes) > 0 {
		fmt.Fprintf(w, "\nunknown status codes: %v\n", results.UnknownStatusCodes)
	}
	fmt.Fprintln(w)
}

// SaveJSON writes the full result record to a file.
func SaveJSON(path string, results models.ScanResults) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file %q: %w", path, err)
	}

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(results); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync report file: %w", err)
	}
	return f.Close()
}
