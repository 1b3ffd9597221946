package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const addFlow = `<?xml version="1.0" encoding="UTF-8"?>
<flow id="add-two" version="1">
  <inputs>
    <input name="a" type="xs:int">2</input>
    <input name="b" type="xs:int">3</input>
  </inputs>
  <outputs>
    <output name="total" type="xs:int" from="@#sum.result"/>
  </outputs>
  <processes>
    <process id="sum">
      <binding kind="native" name="math.add"/>
      <inputs>
        <input name="x" type="xs:int" from="@#inputs.a"/>
        <input name="y" type="xs:int" from="@#inputs.b"/>
      </inputs>
      <outputs>
        <output name="result" type="xs:int"/>
      </outputs>
    </process>
  </processes>
</flow>
`

const cascadeFlow = `<flow id="cascade">
  <outputs>
    <output name="shout" from="@#b.text"/>
  </outputs>
  <processes>
    <process id="a">
      <binding kind="native" name="fail"/>
      <inputs><input name="message">disk full</input></inputs>
      <outputs><output name="text"/></outputs>
    </process>
    <process id="b">
      <binding kind="native" name="text.upper"/>
      <inputs><input name="text" from="@#a.text"/></inputs>
      <outputs><output name="text"/></outputs>
    </process>
  </processes>
</flow>
`

const cycleFlow = `<flow id="loop">
  <processes>
    <process id="a">
      <binding kind="native" name="text.upper"/>
      <inputs><input name="text" from="@#b.text"/></inputs>
      <outputs><output name="text"/></outputs>
    </process>
    <process id="b">
      <binding kind="native" name="text.upper"/>
      <inputs><input name="text" from="@#a.text"/></inputs>
      <outputs><output name="text"/></outputs>
    </process>
  </processes>
</flow>
`

const sleepFlow = `<flow id="slow">
  <outputs>
    <output name="done" from="@#nap.result"/>
  </outputs>
  <processes>
    <process id="nap">
      <binding kind="native" name="sleep"/>
      <inputs><input name="duration">30s</input></inputs>
      <outputs><output name="result"/></outputs>
    </process>
  </processes>
</flow>
`

// writeFile writes content under a fresh temp dir and returns its path.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}
