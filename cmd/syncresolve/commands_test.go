package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/history"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/negotiate"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

func init() {
	color.NoColor = true
}

const agePair = `{
  "entityId": "u1",
  "collection": "users",
  "local": {"name": "Ada", "age": 25},
  "remote": {"name": "Ada", "age": 26},
  "localVersion": 1,
  "remoteVersion": 2
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDetectJSON(t *testing.T) {
	out, err := run(t, "detect", "--json", writeFile(t, "pair.json", agePair))
	require.NoError(t, err)

	var c types.Conflict
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.Equal(t, "u1", c.EntityID)
	require.Contains(t, c.FieldConflicts, "age")
	assert.Equal(t, types.ValueDifference, c.FieldConflicts["age"].ConflictType)
	assert.NotContains(t, c.FieldConflicts, "name")
}

func TestDetectText(t *testing.T) {
	out, err := run(t, "detect", writeFile(t, "pair.json", agePair))
	require.NoError(t, err)
	assert.Contains(t, out, "users/u1 v1 vs v2")
	assert.Contains(t, out, "age")
}

func TestDetectNoConflict(t *testing.T) {
	same := `{"entityId":"u1","collection":"users","local":{"a":1},"remote":{"a":1},"localVersion":1,"remoteVersion":2}`
	out, err := run(t, "detect", writeFile(t, "pair.json", same))
	require.NoError(t, err)
	assert.Contains(t, out, "no conflict")
}

func TestDetectRejectsBadInput(t *testing.T) {
	_, err := run(t, "detect", writeFile(t, "pair.json", "{"))
	assert.Error(t, err)

	_, err = run(t, "detect", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := `{"entityId":"u1","collection":"users","local":{"a":1},"remote":{"a":2},"priority":"urgent"}`
	_, err = run(t, "detect", writeFile(t, "pair.json", bad))
	assert.Error(t, err)
}

func TestResolveWithConfigAndHistory(t *testing.T) {
	cfg := writeFile(t, "config.yaml", "default_strategy: remoteWins\n")
	db := filepath.Join(t.TempDir(), "history.db")
	pair := writeFile(t, "pair.json", agePair)

	out, err := run(t, "--config", cfg, "--history", db, "resolve", "--json", pair)
	require.NoError(t, err)

	var res types.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, types.RemoteWins, res.Strategy)
	assert.EqualValues(t, 26, res.ResolvedData["age"])

	// A second run restores the first resolution from the database.
	out, err = run(t, "--history", db, "stats", "--json")
	require.NoError(t, err)
	var st history.Statistics
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.TotalEntries)
	assert.Equal(t, 1, st.ByStrategy[types.RemoteWins])
}

func TestPresentJSON(t *testing.T) {
	out, err := run(t, "present", "--json", writeFile(t, "pair.json", agePair))
	require.NoError(t, err)

	var p negotiate.Presentation
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	f, ok := p.Field("age")
	require.True(t, ok)
	assert.Contains(t, f.AvailableStrategies, types.Max)
}

func TestPresentText(t *testing.T) {
	out, err := run(t, "present", writeFile(t, "pair.json", agePair))
	require.NoError(t, err)
	assert.Contains(t, out, "risk low")
	assert.Contains(t, out, "recommended strategy")
}

func TestStatsEmpty(t *testing.T) {
	out, err := run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "0 entries")
}
