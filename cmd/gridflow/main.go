// Command gridflow compiles and executes dataflow workflows.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/gridflow/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}
	// run prints its own failure summary; only the one-line reason is added.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Message != "" {
		fmt.Fprintln(os.Stderr, "gridflow:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
