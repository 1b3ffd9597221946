package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainFlow = `<flow id="chain">
  <inputs>
    <input name="distance" type="xs:string">7km</input>
  </inputs>
  <outputs>
    <output name="doubled" from="@#twice.result"/>
  </outputs>
  <processes>
    <process id="twice">
      <binding kind="native" name="math.mul"/>
      <inputs>
        <input name="x" type="xs:int" from="@#inputs.distance"/>
        <input name="y" type="xs:int">2</input>
      </inputs>
      <outputs><output name="result" type="xs:int"/></outputs>
    </process>
    <process id="label" optional="true">
      <binding kind="native" name="text.concat"/>
      <inputs>
        <input name="n" from="@#twice.result"/>
        <input name="unit">km</input>
      </inputs>
      <outputs><output name="text"/></outputs>
    </process>
  </processes>
</flow>
`

func TestCompile_PrintsPlan(t *testing.T) {
	flow := writeFile(t, "chain.xml", chainFlow)

	stdout, _, err := execute(t, "compile", flow)
	require.NoError(t, err)
	assert.Contains(t, stdout, "flow chain\n")
	assert.Contains(t, stdout, "  distance xs:string\n")
	assert.Contains(t, stdout, "  1. twice [native:math.mul]\n")
	assert.Contains(t, stdout, "  2. label [native:text.concat] optional after twice\n")
	assert.Contains(t, stdout, "$inputs.distance -> twice.x via ")
	assert.Contains(t, stdout, "twice.result -> $outputs.doubled\n")
}

func TestCompile_JSON(t *testing.T) {
	flow := writeFile(t, "chain.xml", chainFlow)

	stdout, _, err := execute(t, "compile", "--format", "json", flow)
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   planSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Steps, 2)
	assert.Equal(t, []string{"twice"}, resp.Data.Steps[1].DependsOn)
	assert.True(t, resp.Data.Steps[1].Optional)
}

func TestCompile_Errors(t *testing.T) {
	flow := writeFile(t, "loop.xml", cycleFlow)

	_, stderr, err := execute(t, "compile", flow)
	require.Error(t, err)
	assert.Equal(t, ExitCompileError, GetExitCode(err))
	assert.Contains(t, stderr, "compile error [cycle]")

	_, _, err = execute(t, "compile", "/nonexistent/flow.xml")
	require.Error(t, err)
	assert.Equal(t, ExitCompileError, GetExitCode(err))
}

func TestValidate_Multiple(t *testing.T) {
	good := writeFile(t, "add.xml", addFlow)
	bad := writeFile(t, "loop.xml", cycleFlow)

	stdout, _, err := execute(t, "validate", good, bad)
	require.Error(t, err)
	assert.Equal(t, ExitCompileError, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 of 2 flow(s) invalid")
	assert.Contains(t, stdout, good+": ok (1 steps)\n")
	assert.Contains(t, stdout, bad+": 1 error(s)\n")
	assert.Contains(t, stdout, "compile error [cycle]")
}

func TestValidate_JSON(t *testing.T) {
	good := writeFile(t, "add.xml", addFlow)

	stdout, _, err := execute(t, "validate", "--format", "json", good)
	require.NoError(t, err)

	var resp struct {
		Data []ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Len(t, resp.Data, 1)
	assert.True(t, resp.Data[0].Valid)
	assert.Equal(t, 1, resp.Data[0].Steps)
}
