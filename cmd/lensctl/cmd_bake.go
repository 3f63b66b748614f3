package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lensvault/internal/baker"
	"lensvault/internal/corpus"
	"lensvault/internal/embedding"
	"lensvault/internal/logging"
	"lensvault/internal/vectorindex"
)

var allowStall bool

// errCalibrationStalled is returned by runBake when calibration did not
// converge and --allow-stall was not given (exit 4). It is never surfaced
// as "bake failed" text — the report has already been printed by the time
// it is returned.
var errCalibrationStalled = errors.New("calibration stalled")

var bakeCmd = &cobra.Command{
	Use:   "bake <corpus.md>",
	Short: "Parse a reference corpus and calibrate the vector index",
	Args:  cobra.ExactArgs(1),
	RunE:  runBakeCmd,
}

func init() {
	bakeCmd.Flags().BoolVar(&allowStall, "allow-stall", false, "Exit 0 even if calibration does not converge within max_iterations")
}

// runBakeCmd is the cobra entry point: it runs runBake and translates its
// result into the process exit code (spec.md §6), then exits. Kept separate
// from runBake so tests can call runBake directly without ending the test
// binary.
func runBakeCmd(cmd *cobra.Command, args []string) error {
	err := runBake(cmd, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lensctl: %v\n", err)
		os.Exit(bakeExitCode(err))
	}
	return nil
}

// bakeExitCode maps a runBake result to the bake exit code contract: 0
// success, 2 parse/setup error, 3 embedding provider error, 4 calibration
// stall.
func bakeExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errCalibrationStalled) {
		return 4
	}
	var provErr *embedding.ProviderError
	if errors.As(err, &provErr) {
		return 3
	}
	return 2
}

func runBake(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read corpus file: %w", err)
	}

	parsed, err := corpus.Parse(string(raw))
	if err != nil {
		return fmt.Errorf("corpus parse error: %w", err)
	}
	for _, w := range parsed.Warnings {
		fmt.Fprintf(os.Stderr, "lensctl: warning: lens %s: %s\n", w.Lens, w.Msg)
	}

	idxPath, err := resolvedIndexPath()
	if err != nil {
		return err
	}
	idx, err := vectorindex.Open(idxPath)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer idx.Close()

	engine, err := embedding.NewEngine(appCfg.Embedding)
	if err != nil {
		return &embedding.ProviderError{Provider: appCfg.Embedding.Provider, Err: err}
	}

	cal := baker.New(idx, engine, appCfg.Baker)
	report, err := cal.Bake(ctx, parsed)
	if err != nil {
		return fmt.Errorf("bake failed: %w", err)
	}

	printBakeReport(report)

	if report.Stalled {
		logging.BakerWarn("bake: calibration stalled after %d iterations", report.IterationCount)
		if !allowStall {
			fmt.Fprintln(os.Stderr, "lensctl: calibration stalled; rerun with --allow-stall to accept best-effort factors")
			return errCalibrationStalled
		}
		fmt.Fprintln(os.Stderr, "lensctl: calibration stalled; best-effort factors persisted (--allow-stall)")
	}
	return nil
}

func printBakeReport(report *baker.Report) {
	fmt.Printf("baked %d lens(es) in %d iteration(s) (stalled=%v, target_separation=%.4f)\n",
		len(report.Lenses), report.IterationCount, report.Stalled, report.TargetSeparation)
	for _, l := range report.Lenses {
		fmt.Printf("  %-20s pos=%-4d neg=%-4d separation=%.4f factors={pos=%.4f neg=%.4f} low_confidence=%v\n",
			l.Lens, l.PositiveCount, l.NegativeCount, l.Separation, l.Factors.Positive, l.Factors.Negative, l.LowConfidence)
	}
	for _, w := range report.SkippedLenses {
		fmt.Printf("  (skipped) %s: %s\n", w.Lens, w.Msg)
	}
}
