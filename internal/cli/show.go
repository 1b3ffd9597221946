package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/gridflow/internal/provenance"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <annotated-flow>",
		Short: "Summarize an annotated flow document",
		Long: `Read a flow document written by 'gridflow run --annotate' and print
the run's state, its global outputs or error, and every step in the order
it started.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, rootOpts, args[0])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	return cmd
}

type showSummary struct {
	Flow      string            `json:"flow"`
	RunID     string            `json:"run_id"`
	State     string            `json:"state"`
	StartTime string            `json:"start_time,omitempty"`
	EndTime   string            `json:"end_time,omitempty"`
	Host      string            `json:"host,omitempty"`
	User      string            `json:"user,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Error     *errorView        `json:"error,omitempty"`
	Steps     []showStep        `json:"steps"`
}

type showStep struct {
	ID       string     `json:"id"`
	State    string     `json:"state"`
	Reason   string     `json:"reason,omitempty"`
	StartSeq int64      `json:"start_seq,omitempty"`
	Seq      int64      `json:"seq,omitempty"`
	Error    *errorView `json:"error,omitempty"`
}

type errorView struct {
	Kind    string `json:"kind"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

func runShow(cmd *cobra.Command, opts *RootOptions, path string) error {
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	doc, err := provenance.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot load annotated document", err)
	}

	summary := summarizeDocument(doc)
	return out.Success(summary, func(w io.Writer) { printDocument(w, summary) })
}

func summarizeDocument(doc *provenance.Document) showSummary {
	r := doc.Results
	s := showSummary{
		Flow:      doc.ID,
		RunID:     r.RunID,
		State:     r.State,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Host:      r.Host,
		User:      r.User,
		Error:     viewError(r.Error),
	}
	for _, v := range r.Outputs {
		if s.Outputs == nil {
			s.Outputs = make(map[string]string, len(r.Outputs))
		}
		s.Outputs[v.Name] = v.String()
	}
	for _, p := range r.Processes {
		s.Steps = append(s.Steps, showStep{
			ID:       p.ID,
			State:    p.State,
			Reason:   p.Reason,
			StartSeq: p.StartSeq,
			Seq:      p.Seq,
			Error:    viewError(p.Error),
		})
	}
	return s
}

func viewError(e *provenance.ErrorBlock) *errorView {
	if e == nil {
		return nil
	}
	v := &errorView{Kind: e.Kind, Step: e.Step, Message: e.Message.String()}
	if e.Trace != nil {
		v.Trace = e.Trace.String()
	}
	return v
}

func printDocument(w io.Writer, s showSummary) {
	fmt.Fprintf(w, "flow %s run %s: %s\n", s.Flow, s.RunID, s.State)
	if s.StartTime != "" {
		fmt.Fprintf(w, "  started  %s\n", s.StartTime)
	}
	if s.EndTime != "" {
		fmt.Fprintf(w, "  finished %s\n", s.EndTime)
	}
	if s.Host != "" || s.User != "" {
		fmt.Fprintf(w, "  by %s@%s\n", s.User, s.Host)
	}
	for _, name := range sortedKeys(s.Outputs) {
		fmt.Fprintf(w, "  %s = %s\n", name, s.Outputs[name])
	}
	if s.Error != nil {
		fmt.Fprintf(w, "  error [%s] %s: %s\n", s.Error.Kind, s.Error.Step, s.Error.Message)
	}
	fmt.Fprintln(w, "steps:")
	for _, st := range s.Steps {
		line := fmt.Sprintf("  %-16s %-10s", st.ID, st.State)
		if st.Seq > 0 {
			line += fmt.Sprintf(" seq %d-%d", st.StartSeq, st.Seq)
		}
		if st.Reason != "" {
			line += " (" + st.Reason + ")"
		}
		fmt.Fprintln(w, line)
		if st.Error != nil {
			fmt.Fprintf(w, "    %s: %s\n", st.Error.Kind, st.Error.Message)
		}
	}
}
