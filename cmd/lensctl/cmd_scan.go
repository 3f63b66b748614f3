package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lensvault/internal/embedding"
	"lensvault/internal/scanner"
	"lensvault/internal/vectorindex"
)

var jsonOutput bool

var scanCmd = &cobra.Command{
	Use:   "scan <doc>",
	Short: "Scan a document against a baked index and emit a Document Reading",
	Args:  cobra.ExactArgs(1),
	RunE:  runScanCmd,
}

func init() {
	scanCmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the Document Reading as JSON")
}

// runScanCmd is the cobra entry point: it runs runScan and translates its
// result into the process exit code (spec.md §6), then exits. Kept separate
// from runScan so tests can call runScan directly without ending the test
// binary.
func runScanCmd(cmd *cobra.Command, args []string) error {
	_, err := runScan(cmd, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lensctl: %v\n", err)
		os.Exit(scanExitCode(err))
	}
	return nil
}

// scanExitCode maps a runScan result to the scan exit code contract: 0
// success, 3 embedding provider error, 5 calibration mismatch.
func scanExitCode(err error) int {
	if err == nil {
		return 0
	}
	var mismatch *scanner.ModelMismatch
	if errors.As(err, &mismatch) {
		return 5
	}
	var provErr *embedding.ProviderError
	if errors.As(err, &provErr) {
		return 3
	}
	return 1
}

// runScan performs the scan, renders the reading to stdout (text or --json)
// via printOrEncodeReading, and returns the reading.
func runScan(cmd *cobra.Command, args []string) (*scanner.DocumentReading, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	idxPath, err := resolvedIndexPath()
	if err != nil {
		return nil, err
	}
	idx, err := vectorindex.Open(idxPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer idx.Close()

	engine, err := embedding.NewEngine(appCfg.Embedding)
	if err != nil {
		return nil, &embedding.ProviderError{Provider: appCfg.Embedding.Provider, Err: err}
	}

	s := scanner.New(idx, engine, appCfg.Scanner, nil)
	reading, err := s.Scan(ctx, string(raw))
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	if err := printOrEncodeReading(reading); err != nil {
		return nil, err
	}
	return reading, nil
}

func printOrEncodeReading(reading *scanner.DocumentReading) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reading)
	}
	printReading(reading)
	return nil
}

func printReading(reading *scanner.DocumentReading) {
	fmt.Printf("scanned %d line(s), %d skipped\n", reading.LinesScanned, len(reading.SkippedLines))
	for lens, agg := range reading.PerLens {
		fmt.Printf("  %-20s pos=%.4f neg=%.4f\n", lens, agg.PositiveMean, agg.NegativeMean)
	}
	if len(reading.Convergences) > 0 {
		fmt.Printf("  convergences at lines: %v\n", reading.Convergences)
	}
	if len(reading.Tensions) > 0 {
		fmt.Printf("  tensions at lines: %v\n", reading.Tensions)
	}
}
