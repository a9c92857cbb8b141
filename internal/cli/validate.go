package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/compval/internal/harness"
	"github.com/roach88/compval/internal/trace"
)

// maxReportedLines bounds the malformed lines listed per trace.
const maxReportedLines = 10

// FileValidation is the validation outcome of one scenario or trace file.
type FileValidation struct {
	Path   string   `json:"path"`
	Kind   string   `json:"kind"` // "scenario" or "trace"
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`

	// Trace files only.
	Records   int `json:"records,omitempty"`
	Malformed int `json:"malformed,omitempty"`
	Segments  int `json:"segments,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate scenario and trace files without running them",
		Long: `Validate scenario files and captured traces without replaying them.

Files ending in .yaml or .yml are loaded as scenarios: unknown fields,
missing fields and bad assertions are reported. Any other file is read
as a trace: every line is parsed and malformed lines are listed.

Exit codes:
  0 - Every file is valid
  1 - One or more files are invalid
  2 - Command error (file not found, etc.)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	result := ValidationResult{Valid: true}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			_ = f.Error(ErrCodeNotFound, fmt.Sprintf("file not found: %s", path), nil)
			return WrapExitError(ExitCommandError, "file not found", err)
		}
		var fv FileValidation
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			fv = validateScenarioFile(path)
		default:
			fv = validateTraceFile(path)
		}
		f.VerboseLog("Validated %s %s: valid=%t", fv.Kind, path, fv.Valid)
		result.Files = append(result.Files, fv)
		result.Valid = result.Valid && fv.Valid
	}

	if f.JSON() {
		var cliErr *CLIError
		if !result.Valid {
			cliErr = &CLIError{Code: ErrCodeInvalid, Message: "validation failed"}
		}
		if err := f.Respond(result, "", cliErr); err != nil {
			return err
		}
	} else {
		outputValidateText(f, result)
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func validateScenarioFile(path string) FileValidation {
	fv := FileValidation{Path: path, Kind: "scenario", Valid: true}
	if _, err := harness.LoadScenario(path); err != nil {
		fv.Valid = false
		fv.Errors = append(fv.Errors, err.Error())
	}
	return fv
}

// validateTraceFile parses every line. Sentinel lines are legal; they
// split the trace into segments.
func validateTraceFile(path string) FileValidation {
	fv := FileValidation{Path: path, Kind: "trace", Valid: true, Segments: 1}
	file, err := os.Open(path)
	if err != nil {
		fv.Valid = false
		fv.Errors = append(fv.Errors, err.Error())
		return fv
	}
	defer file.Close()

	r := trace.NewReader(file)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var lineErr *trace.LineError
		if errors.As(err, &lineErr) {
			fv.Malformed++
			if fv.Malformed <= maxReportedLines {
				fv.Errors = append(fv.Errors, lineErr.Error())
			}
			continue
		}
		if err != nil {
			fv.Errors = append(fv.Errors, err.Error())
			break
		}
		fv.Records++
		if _, ok := rec.(*trace.Sentinel); ok {
			fv.Segments++
		}
	}
	if fv.Malformed > maxReportedLines {
		fv.Errors = append(fv.Errors, fmt.Sprintf("... %d more malformed lines", fv.Malformed-maxReportedLines))
	}
	fv.Valid = len(fv.Errors) == 0
	return fv
}

func outputValidateText(f *OutputFormatter, result ValidationResult) {
	w := f.Writer
	for _, fv := range result.Files {
		mark := "✓"
		if !fv.Valid {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s (%s)", mark, fv.Path, fv.Kind)
		if fv.Kind == "trace" {
			fmt.Fprintf(w, ": %d records, %d malformed, %d segments", fv.Records, fv.Malformed, fv.Segments)
		}
		fmt.Fprintln(w)
		for _, e := range fv.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	if result.Valid {
		fmt.Fprintln(w, "✓ All files valid")
	}
}
