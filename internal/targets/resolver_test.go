package targets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscollective/saltpeter/internal/config"
)

func TestListResolverReturnsTargetsVerbatim(t *testing.T) {
	r := ListResolver{}
	machines, err := r.Resolve(config.CronDef{TargetType: "list", Targets: []string{"b", "a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, machines)
}

func TestListResolverRejectsUnknownType(t *testing.T) {
	r := ListResolver{}
	_, err := r.Resolve(config.CronDef{TargetType: "nodegroup", Targets: []string{"a"}})
	assert.Error(t, err)
}

func TestSelectSubsetLexicographic(t *testing.T) {
	out := SelectSubset([]string{"c", "a", "b"}, 2)
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestSelectSubsetZeroMeansAll(t *testing.T) {
	out := SelectSubset([]string{"c", "a", "b"}, 0)
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestResolveCombinesResolutionAndSubset(t *testing.T) {
	r := ListResolver{}
	def := config.CronDef{TargetType: "list", Targets: []string{"web3", "web1", "web2"}, NumberOfTargets: 1}
	out, err := Resolve(r, def)
	require.NoError(t, err)
	assert.Equal(t, []string{"web1"}, out)
}
