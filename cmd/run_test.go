package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/pipeline"
)

const testFixtures = `
fixtures:
  acmeplumbing.com:
    domain_authority: {value: 48, observed_at: 2026-09-01}
    stack_cost: {value: 1200, observed_at: 2026-09-01, evidence: "Shopify Plus"}
  betabakery.com:
    domain_authority: {value: 12, observed_at: 2026-09-01}
    stack_cost: {error: timeout}
`

const testInput = "Business Name,Website,State\n" +
	"Acme Plumbing LLC,https://www.acmeplumbing.com/,FL\n" +
	"Acme Plumbing,acmeplumbing.com,FL\n" +
	"Beta Bakery,betabakery.com,TX\n" +
	",,TX\n"

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// testConfig returns defaults with two fixture detectors and a temp SQLite
// store.
func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	fx := writeFile(t, dir, "fixtures.yaml", testFixtures)

	c := config.Defaults()
	c.Store.DatabaseURL = filepath.Join(dir, "qualify.db")
	c.Qualify.IncludeLow = true
	c.Detectors = map[string]config.DetectorConfig{
		"domain_authority": {Kind: "fixture", CostPerCall: 0.001, FixturePath: fx},
		"stack_cost":       {Kind: "fixture", CostPerCall: 0.01, FixturePath: fx},
	}
	return c
}

func TestQualifyFile_WritesOutputAndPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c := testConfig(t, dir)

	env, err := initPipeline(ctx, c, "run", true)
	require.NoError(t, err)
	defer env.Close()
	require.NotNil(t, env.Store)

	in := writeFile(t, dir, "leads.csv", testInput)
	out := filepath.Join(dir, "out.csv")

	res, err := qualifyFile(ctx, env.Pipeline, in, out, "", &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Stats.Intake)
	assert.Equal(t, 1, res.Stats.DroppedUnidentified)
	assert.Equal(t, 1, res.Stats.PreDedupMerged)
	assert.Len(t, res.Leads, 2)
	assert.Equal(t, 1, res.Stats.FailuresBySignal[model.SignalStackCost])

	_, err = os.Stat(out)
	require.NoError(t, err)

	run, err := env.Store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "leads.csv", run.Source)
	assert.Equal(t, model.RunStatusComplete, run.Status)

	leads, err := env.Store.ListLeads(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, leads, len(res.Leads))
	for i := range leads {
		assert.Equal(t, res.Leads[i].IdentityKey, leads[i].IdentityKey)
		assert.Equal(t, res.Leads[i].Score, leads[i].Score)
	}
}

func TestQualifyFile_StdoutJSON(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env, err := initPipeline(ctx, testConfig(t, dir), "run", false)
	require.NoError(t, err)
	defer env.Close()
	assert.Nil(t, env.Store)

	in := writeFile(t, dir, "leads.csv", testInput)
	var buf bytes.Buffer
	res, err := qualifyFile(ctx, env.Pipeline, in, "", "nightly", &buf)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)

	var decoded pipeline.Result
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, res.RunID, decoded.RunID)
	assert.Len(t, decoded.Leads, len(res.Leads))
}

func TestQualifyFile_BadInput(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env, err := initPipeline(ctx, testConfig(t, dir), "run", false)
	require.NoError(t, err)
	defer env.Close()

	_, err = qualifyFile(ctx, env.Pipeline, filepath.Join(dir, "missing.csv"), "", "", &bytes.Buffer{})
	assert.Error(t, err)

	in := writeFile(t, dir, "leads.txt", "x")
	_, err = qualifyFile(ctx, env.Pipeline, in, "", "", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestInitPipeline_InvalidConfig(t *testing.T) {
	c := testConfig(t, t.TempDir())
	c.Tiers.High = 99

	_, err := initPipeline(context.Background(), c, "run", false)
	require.Error(t, err)
	assert.True(t, eris.Is(err, config.ErrInvalid))
}

func TestFormatRunSummary(t *testing.T) {
	stats := model.NewRunStats()
	stats.Intake = 10
	stats.Cascaded = 8
	stats.EliminatedByStage[model.SignalDomainAuthority] = 3
	stats.ByTier[model.TierHigh] = 2
	stats.Qualified = 5
	stats.EstimatedCostUSD = 0.125

	var buf bytes.Buffer
	formatRunSummary(&buf, &pipeline.Result{RunID: "run-1", Stats: stats})

	output := buf.String()
	assert.Contains(t, output, "run-1")
	assert.Contains(t, output, "Eliminated at domain_authority")
	assert.Contains(t, output, "$0.1250")
	assert.Contains(t, output, "HIGH")
	assert.NotContains(t, output, "Truncated")
}
