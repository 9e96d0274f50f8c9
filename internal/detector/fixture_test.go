package detector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-qualifier/internal/model"
)

const fixtureYAML = `
fixtures:
  https://www.AcmePlumbing.com/:
    stack_cost: {value: 650, observed_at: 2026-09-01, evidence: "Shopify Plus, Klaviyo"}
    performance_loss: {error: timeout}
  "Joe's Diner LLC":
    ad_spend: {value: 120, completeness: 0.5}
    social_traction: {}
  slowco.com:
    ad_spend: {value: 10, delay_ms: 5000}
`

func writeFixtures(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFixtures(t *testing.T) {
	t.Parallel()

	fx, err := LoadFixtures(writeFixtures(t, fixtureYAML))
	require.NoError(t, err)

	require.Contains(t, fx, "acmeplumbing.com")
	require.Contains(t, fx, "joes diner")
	assert.Len(t, fx["acmeplumbing.com"], 2)
}

func TestLoadFixtures_JSON(t *testing.T) {
	t.Parallel()

	fx, err := LoadFixtures(writeFixtures(t, `{"fixtures":{"acme.com":{"domain_authority":{"value":41}}}}`))
	require.NoError(t, err)
	e, ok := fx.Lookup(model.SignalDomainAuthority, model.Candidate{RawDomain: "ACME.com"})
	require.True(t, ok)
	assert.InDelta(t, 41, *e.Value, 0.001)
}

func TestLoadFixtures_UnknownSignal(t *testing.T) {
	t.Parallel()

	_, err := LoadFixtures(writeFixtures(t, "fixtures:\n  acme.com:\n    page_rank: {value: 1}\n"))
	assert.Error(t, err)
}

func TestFixtureDetector_Detect(t *testing.T) {
	t.Parallel()

	fx, err := LoadFixtures(writeFixtures(t, fixtureYAML))
	require.NoError(t, err)

	stack := NewFixtureDetector(model.SignalStackCost, 0, fx)
	obs, err := stack.Detect(context.Background(), model.Candidate{RawDomain: "acmeplumbing.com"})
	require.NoError(t, err)
	assert.InDelta(t, 650, obs.Value, 0.001)
	assert.Equal(t, model.UnitUSDMonthly, obs.Unit)
	assert.InDelta(t, 1.0, obs.Completeness, 0.001)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), obs.ObservedAt)
	assert.Equal(t, "Shopify Plus, Klaviyo", obs.Evidence)

	perf := NewFixtureDetector(model.SignalPerformanceLoss, 0.01, fx)
	_, err = perf.Detect(context.Background(), model.Candidate{RawDomain: "acmeplumbing.com"})
	require.Error(t, err)
	assert.Equal(t, FailureTimeout, Classify(model.SignalPerformanceLoss, err).Kind)
}

func TestFixtureDetector_ByName(t *testing.T) {
	t.Parallel()

	fx, err := LoadFixtures(writeFixtures(t, fixtureYAML))
	require.NoError(t, err)

	ads := NewFixtureDetector(model.SignalAdSpend, 0.05, fx)
	obs, err := ads.Detect(context.Background(), model.Candidate{RawName: "Joe's Diner"})
	require.NoError(t, err)
	assert.InDelta(t, 120, obs.Value, 0.001)
	assert.InDelta(t, 0.5, obs.Completeness, 0.001)

	social := NewFixtureDetector(model.SignalSocialTraction, 0, fx)
	obs, err = social.Detect(context.Background(), model.Candidate{RawName: "Joe's Diner"})
	require.NoError(t, err)
	assert.True(t, obs.Defaulted, "entry without a value is no data")
}

func TestFixtureDetector_Missing(t *testing.T) {
	t.Parallel()

	d := NewFixtureDetector(model.SignalDomainAuthority, 0, Fixtures{})
	obs, err := d.Detect(context.Background(), model.Candidate{RawDomain: "unknown.com"})
	require.NoError(t, err)
	assert.True(t, obs.Defaulted)
	assert.Equal(t, model.UnitScore, obs.Unit)
}

func TestFixtureDetector_DelayHonorsContext(t *testing.T) {
	t.Parallel()

	fx, err := LoadFixtures(writeFixtures(t, fixtureYAML))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	d := NewFixtureDetector(model.SignalAdSpend, 0, fx)
	start := time.Now()
	_, err = d.Detect(ctx, model.Candidate{RawDomain: "slowco.com"})
	require.Error(t, err)
	assert.Equal(t, FailureTimeout, Classify(model.SignalAdSpend, err).Kind)
	assert.Less(t, time.Since(start), time.Second)
}
