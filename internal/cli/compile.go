package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/gridflow/internal/compiler"
)

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <flow>",
		Short: "Compile a flow and print its execution plan",
		Long: `Parse and compile a flow document without running it.

Prints the global inputs, the steps in declaration order with their
upstream dependencies, and every edge with the conversion chain resolved
for it. Exits 1 if the flow does not compile.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, rootOpts, args[0])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	return cmd
}

type planSummary struct {
	Flow    string        `json:"flow"`
	Inputs  []paramView   `json:"inputs"`
	Outputs []paramView   `json:"outputs"`
	Steps   []stepView    `json:"steps"`
	Edges   []edgeSummary `json:"edges"`
}

type paramView struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type stepView struct {
	ID        string   `json:"id"`
	Binding   string   `json:"binding"`
	Optional  bool     `json:"optional,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type edgeSummary struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Chain string `json:"chain,omitempty"`
}

func runCompile(cmd *cobra.Command, opts *RootOptions, path string) error {
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	plan, err := compileFlow(path, opts.nativeRegistry())
	if err != nil {
		return reportCompileError(out, path, err)
	}

	summary := describePlan(plan)
	return out.Success(summary, func(w io.Writer) { printPlan(w, summary) })
}

func describePlan(plan *compiler.Plan) planSummary {
	s := planSummary{Flow: plan.Flow.ID}
	for _, in := range plan.Inputs {
		s.Inputs = append(s.Inputs, paramView{Name: in.Name, Type: string(in.Type)})
	}
	for _, o := range plan.Outputs {
		s.Outputs = append(s.Outputs, paramView{Name: o.Name, Type: string(o.Type)})
	}
	for _, st := range plan.Steps {
		v := stepView{ID: st.ID, Binding: st.Binding.Identity(), Optional: st.Optional}
		seen := make(map[string]bool)
		for _, e := range st.In {
			if !seen[e.From.Step] {
				seen[e.From.Step] = true
				v.DependsOn = append(v.DependsOn, e.From.Step)
			}
		}
		s.Steps = append(s.Steps, v)
	}
	for _, e := range plan.Edges {
		es := edgeSummary{From: e.From.String(), To: e.To.String()}
		if e.Chain != nil && !e.Chain.Identity() {
			es.Chain = e.Chain.String()
		}
		s.Edges = append(s.Edges, es)
	}
	return s
}

func printPlan(w io.Writer, s planSummary) {
	fmt.Fprintf(w, "flow %s\n", s.Flow)
	fmt.Fprintln(w, "inputs:")
	for _, p := range s.Inputs {
		fmt.Fprintf(w, "  %s %s\n", p.Name, p.Type)
	}
	fmt.Fprintln(w, "steps:")
	for i, st := range s.Steps {
		line := fmt.Sprintf("  %d. %s [%s]", i+1, st.ID, st.Binding)
		if st.Optional {
			line += " optional"
		}
		if len(st.DependsOn) > 0 {
			line += " after " + strings.Join(st.DependsOn, ", ")
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, "outputs:")
	for _, p := range s.Outputs {
		fmt.Fprintf(w, "  %s %s\n", p.Name, p.Type)
	}
	fmt.Fprintln(w, "edges:")
	for _, e := range s.Edges {
		if e.Chain != "" {
			fmt.Fprintf(w, "  %s -> %s via %s\n", e.From, e.To, e.Chain)
			continue
		}
		fmt.Fprintf(w, "  %s -> %s\n", e.From, e.To)
	}
}
