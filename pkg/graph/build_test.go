package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foundry/pkg/types"
)

func TestComputeBuildCandidatesIncludeBuildDependents(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	_, err := g.Extend(rec("core/lib/1.0/20240101000000", nil, nil))
	require.NoError(t, err)
	_, err = g.Extend(rec("core/tool/1.0/20240101000000", nil,
		[]string{"core/lib/1.0/20240101000000"}))
	require.NoError(t, err)

	// The rebuild flood walks build edges too: tool must rebuild when lib
	// changes even though it never links against it.
	m, err := g.ComputeBuild([]string{"core/lib"}, "", nil)
	require.NoError(t, err)
	assert.Contains(t, m.Entries, "core/tool")
	assert.Equal(t, InputTransitive, m.InputSet["core/tool"])
}

func TestComputeBuildOriginScopesCandidates(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	_, err := g.Extend(rec("core/lib/1.0/20240101000000", nil, nil))
	require.NoError(t, err)
	_, err = g.Extend(rec("core/app/1.0/20240101000000",
		[]string{"core/lib/1.0/20240101000000"}, nil))
	require.NoError(t, err)
	_, err = g.Extend(rec("vendor/shim/1.0/20240101000000",
		[]string{"core/lib/1.0/20240101000000"}, nil))
	require.NoError(t, err)

	m, err := g.ComputeBuild([]string{"core/lib"}, "core", nil)
	require.NoError(t, err)
	assert.Contains(t, m.Entries, "core/app")
	assert.NotContains(t, m.Entries, "vendor/shim")
	assert.NotContains(t, m.InputSet, "vendor/shim")

	// No origin: the flood crosses origins.
	m, err = g.ComputeBuild([]string{"core/lib"}, "", nil)
	require.NoError(t, err)
	assert.Contains(t, m.Entries, "vendor/shim")
}

func TestComputeBuildCycleEntriesOmitDemotedBuildEdges(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	// pkg-config build-depends on glib, glib runtime-depends on pkg-config:
	// a legal cycle whose build edge cannot constrain ordering.
	_, err := g.Extend(rec("core/pkg-config/0.29/20240101000000", nil,
		[]string{"core/glib/2.78/20240101000000"}))
	require.NoError(t, err)
	_, err = g.Extend(rec("core/glib/2.78/20240101000000",
		[]string{"core/pkg-config/0.29/20240101000000"}, nil))
	require.NoError(t, err)

	m, err := g.ComputeBuild([]string{"core/pkg-config"}, "", nil)
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)

	// The demoted build edge leaves pkg-config free to start; glib still
	// waits on the runtime edge.
	assert.Empty(t, m.Entries["core/pkg-config"].InternalDeps)
	assert.Equal(t, []string{"core/pkg-config"}, m.Entries["core/glib"].InternalDeps)

	// Both land in one component, runtime-ordered.
	require.Len(t, m.Order, 1)
	assert.Equal(t, []string{"core/pkg-config", "core/glib"}, m.Order[0].Members)
}
