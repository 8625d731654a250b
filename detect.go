package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hannes/kiji-detect/form"
)

var readStdin bool

// errSubmissionFailed marks a run whose form ended in the failed state. The
// form's message has already been printed.
var errSubmissionFailed = errors.New("submission failed")

var detectCmd = &cobra.Command{
	Use:   "detect [text]",
	Short: "Detect PII in text and print the results",
	Example: `  kiji-detect detect "My SSN is 123-45-6789"
  cat notes.txt | kiji-detect detect --stdin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := detectInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}

		cfg, logger, flush, err := setup()
		if err != nil {
			return err
		}
		defer flush()

		detector, err := newDetector(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = detector.Close() }()

		f := form.New(detector, logger)
		defer f.Close()
		return runDetect(cmd, f, text)
	},
}

func init() {
	detectCmd.Flags().BoolVar(&readStdin, "stdin", false, "Read the text from standard input")
}

func detectInput(stdin io.Reader, args []string) (string, error) {
	if readStdin {
		if len(args) > 0 {
			return "", fmt.Errorf("cannot combine --stdin with text arguments")
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read standard input: %w", err)
		}
		return string(data), nil
	}
	return strings.Join(args, " "), nil
}

// runDetect submits text through the form and prints the rendered view
func runDetect(cmd *cobra.Command, f *form.Form, text string) error {
	f.SetText(text)
	state, _ := f.Submit(cmd.Context())

	if err := form.WriteText(cmd.OutOrStdout(), f.View()); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	if state.Phase() == form.PhaseFailed {
		return errSubmissionFailed
	}
	return nil
}
