package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/gridflow/internal/compiler"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <flow>...",
		Short: "Check flow documents for errors",
		Long: `Compile one or more flow documents and report every error found.

Checks references, types, conversion chains, bindings and acyclicity.
Exits 1 if any document is invalid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	return cmd
}

// ValidationResult is the outcome for one flow document.
type ValidationResult struct {
	Path   string                   `json:"path"`
	Valid  bool                     `json:"valid"`
	Steps  int                      `json:"steps,omitempty"`
	Errors []*compiler.CompileError `json:"errors,omitempty"`
	Fault  string                   `json:"fault,omitempty"` // unreadable file
}

func runValidate(cmd *cobra.Command, opts *RootOptions, paths []string) error {
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	nat := opts.nativeRegistry()

	results := make([]ValidationResult, 0, len(paths))
	invalid, unreadable := 0, 0
	for _, path := range paths {
		r := ValidationResult{Path: path}
		plan, err := compileFlow(path, nat)
		switch {
		case err == nil:
			r.Valid = true
			r.Steps = len(plan.Steps)
		case compiler.IsCompileError(err):
			r.Errors = compiler.All(err)
			invalid++
		default:
			r.Fault = err.Error()
			unreadable++
		}
		out.VerboseLog("validated %s: valid=%t", path, r.Valid)
		results = append(results, r)
	}

	if err := out.Success(results, func(w io.Writer) { printValidation(w, results) }); err != nil {
		return err
	}
	switch {
	case unreadable > 0:
		return NewExitError(ExitCommandError, fmt.Sprintf("%d of %d flow(s) could not be read", unreadable, len(paths)))
	case invalid > 0:
		return NewExitError(ExitCompileError, fmt.Sprintf("%d of %d flow(s) invalid", invalid, len(paths)))
	}
	return nil
}

func printValidation(w io.Writer, results []ValidationResult) {
	for _, r := range results {
		switch {
		case r.Valid:
			fmt.Fprintf(w, "%s: ok (%d steps)\n", r.Path, r.Steps)
		case r.Fault != "":
			fmt.Fprintf(w, "%s: %s\n", r.Path, r.Fault)
		default:
			fmt.Fprintf(w, "%s: %d error(s)\n", r.Path, len(r.Errors))
			for _, e := range r.Errors {
				fmt.Fprintf(w, "  %v\n", e)
			}
		}
	}
}
