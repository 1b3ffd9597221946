package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// copyScenarios copies the harness scenarios and the flows they reference
// into a temp dir and returns the scenarios dir.
func copyScenarios(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"flows", "scenarios"} {
		src := filepath.Join("..", "harness", "testdata", dir)
		entries, err := os.ReadDir(src)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(src, e.Name()))
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(root, dir, e.Name()), data, 0o644))
		}
	}
	return filepath.Join(root, "scenarios")
}

func TestTest_AllScenariosPass(t *testing.T) {
	dir := copyScenarios(t)

	stdout, _, err := execute(t, "test", dir)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "✓ add_two\n")
	assert.Contains(t, stdout, "✓ fan_out\n")
	assert.Contains(t, stdout, "4 passed, 0 failed, 4 total\n")
}

func TestTest_Filter(t *testing.T) {
	dir := copyScenarios(t)

	stdout, _, err := execute(t, "test", "--format", "json", "--filter", "c*", dir)
	require.NoError(t, err)

	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, 2, resp.Data.Total)
	var names []string
	for _, s := range resp.Data.Scenarios {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"cascade", "cycle"}, names)
}

func TestTest_UpdateThenCompareGolden(t *testing.T) {
	dir := copyScenarios(t)

	_, _, err := execute(t, "test", "--update", "--filter", "add", dir)
	require.NoError(t, err)
	golden := filepath.Join(dir, "golden", "add_two.golden")
	require.FileExists(t, golden)

	_, _, err = execute(t, "test", "--filter", "add", dir)
	require.NoError(t, err, "trace matches the golden it just wrote")

	require.NoError(t, os.WriteFile(golden, []byte("{\"scenario\":\"add_two\"}\n"), 0o644))
	stdout, _, err := execute(t, "test", "--filter", "add", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, "✗ add_two\n")
	assert.Contains(t, stdout, "trace does not match golden file")
}

func TestTest_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	flow := writeFile(t, "add.xml", addFlow)
	scenario := "name: wrong_total\nflow: " + flow + "\nexpect:\n  outputs:\n    total: 6\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(scenario), 0o644))

	stdout, _, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 of 1 scenario(s) failed")
	assert.Contains(t, stdout, "✗ wrong_total\n")
}

func TestTest_MissingDir(t *testing.T) {
	_, _, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_NoScenarios(t *testing.T) {
	stdout, _, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "No scenarios found.\n", stdout)
}
