package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"lensvault/internal/coef"
	"lensvault/internal/coefstore"
)

// stdin is the source runCompress reads its implicit input from. It is a
// package var, not a hardcoded os.Stdin, so tests can substitute a
// strings.Reader without touching the process's real standard input.
var stdin io.Reader = os.Stdin

var compressCmd = &cobra.Command{
	Use:   "compress <pipeline-string>",
	Short: "Execute a COEF instruction pipeline against stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompressCmd,
}

// runCompressCmd is the cobra entry point: it runs runCompress and
// translates its result into the process exit code (spec.md §6), then
// exits. Kept separate from runCompress so tests can call runCompress
// directly without ending the test binary.
func runCompressCmd(cmd *cobra.Command, args []string) error {
	res, err := runCompress(cmd, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lensctl: %v\n", err)
		os.Exit(compressExitCode(err))
	}
	os.Stdout.Write(res.Output)
	return nil
}

// compressExitCode maps a runCompress result to the compress exit code
// contract: 0 success, 6 UnknownVerb/ArgumentMissing (including a GrammarError
// from a malformed pipeline string that never reaches the executor), 7
// IntegrityFailure, 8 ContentMissing. Any other error, including an invalid
// percent-encoding reported by Parse, maps to 1.
func compressExitCode(err error) int {
	if err == nil {
		return 0
	}
	var grammarErr *coef.GrammarError
	if errors.As(err, &grammarErr) {
		return 6
	}
	var execErr *coef.ExecError
	if errors.As(err, &execErr) {
		switch execErr.Kind {
		case coef.KindUnknownVerb, coef.KindArgumentMissing:
			return 6
		case coef.KindIntegrityFailure:
			return 7
		case coef.KindContentMissing:
			return 8
		}
	}
	return 1
}

func runCompress(cmd *cobra.Command, args []string) (*coef.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	prog, err := coef.Parse(args[0])
	if err != nil {
		return nil, err
	}

	input, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}

	storePath, err := resolvedCoefPath()
	if err != nil {
		return nil, err
	}
	store, err := coefstore.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open coef store: %w", err)
	}
	defer store.Close()

	ex := coef.NewExecutor(store)
	res, err := ex.Execute(ctx, prog, input)
	if err != nil {
		return nil, err
	}
	return res, nil
}
