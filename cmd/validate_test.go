package main

import (
	"bytes"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/model"
)

func TestPlanFor(t *testing.T) {
	c := testConfig(t, t.TempDir())

	stages, err := planFor(c)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, model.SignalDomainAuthority, stages[0].Signal)
	assert.Equal(t, model.SignalStackCost, stages[1].Signal)

	var buf bytes.Buffer
	formatPlan(&buf, stages)
	assert.Contains(t, buf.String(), "domain_authority")
	assert.Contains(t, buf.String(), "$0.0100")
}

func TestPlanFor_NoDetectors(t *testing.T) {
	_, err := planFor(config.Defaults())
	require.Error(t, err)
	assert.True(t, eris.Is(err, config.ErrInvalid))
}

func TestPlanFor_InvalidConfig(t *testing.T) {
	c := testConfig(t, t.TempDir())
	c.Cascade.Ordering = "random"

	_, err := planFor(c)
	require.Error(t, err)
	assert.True(t, eris.Is(err, config.ErrInvalid))
}
