package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/types"
)

func rec(ident string, deps, buildDeps []string) *types.PackageRecord {
	r := &types.PackageRecord{
		Ident:  types.MustIdent(ident),
		Target: types.TargetLinux,
	}
	for _, d := range deps {
		r.Deps = append(r.Deps, types.MustIdent(d))
	}
	for _, d := range buildDeps {
		r.BuildDeps = append(r.BuildDeps, types.MustIdent(d))
	}
	return r
}

func TestExtendInsertsNodesAndEdges(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	stats, err := g.Extend(rec("core/b/1.0/20240101000000", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, Stats{Nodes: 1}, stats)

	stats, err = g.Extend(rec("core/a/1.0/20240101000000",
		[]string{"core/b/1.0/20240101000000"}, nil))
	require.NoError(t, err)
	assert.Equal(t, Stats{Nodes: 2, RuntimeEdges: 1, TotalEdges: 1}, stats)

	ident, ok := g.Resolve("core/a")
	require.True(t, ok)
	assert.Equal(t, "core/a/1.0/20240101000000", ident.String())
}

func TestExtendCreatesPlaceholdersForUnknownDeps(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	stats, err := g.Extend(rec("core/app/1.0/20240101000000",
		[]string{"core/libc/2.38/20240101000000"},
		[]string{"core/gcc/13.1.0/20240101000000"}))
	require.NoError(t, err)
	assert.Equal(t, Stats{Nodes: 3, RuntimeEdges: 1, TotalEdges: 2}, stats)

	// The placeholder keeps the pinned ident so externals resolve.
	ident, ok := g.Resolve("core/libc")
	require.True(t, ok)
	assert.Equal(t, "core/libc/2.38/20240101000000", ident.String())
}

func TestExtendOlderIdentIsNoOp(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	_, err := g.Extend(rec("core/a/2.0/20240201000000",
		[]string{"core/b/1.0/20240101000000"}, nil))
	require.NoError(t, err)

	// Older version with a different dep set must change nothing.
	stats, err := g.Extend(rec("core/a/1.0/20240101000000",
		[]string{"core/c/1.0/20240101000000"}, nil))
	require.NoError(t, err)
	assert.Equal(t, Stats{Nodes: 2, RuntimeEdges: 1, TotalEdges: 1}, stats)

	ident, _ := g.Resolve("core/a")
	assert.Equal(t, "core/a/2.0/20240201000000", ident.String())
	_, ok := g.Resolve("core/c")
	assert.False(t, ok)
}

func TestExtendNewerIdentReplacesEdges(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	_, err := g.Extend(rec("core/a/1.0/20240101000000",
		[]string{"core/b/1.0/20240101000000"}, nil))
	require.NoError(t, err)

	stats, err := g.Extend(rec("core/a/1.1/20240301000000",
		[]string{"core/c/1.0/20240101000000"}, nil))
	require.NoError(t, err)
	// b remains as a node, but the a->b edge is gone.
	assert.Equal(t, Stats{Nodes: 3, RuntimeEdges: 1, TotalEdges: 1}, stats)

	rdeps, err := g.Rdeps("core/c")
	require.NoError(t, err)
	require.Len(t, rdeps, 1)
	assert.Equal(t, "core/a", rdeps[0].Short)

	rdeps, err = g.Rdeps("core/b")
	require.NoError(t, err)
	assert.Empty(t, rdeps)
}

func TestExtendRejectsRuntimeCycleAndRollsBack(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	_, err := g.Extend(rec("core/a/1.0/20240101000000",
		[]string{"core/b/1.0/20240101000000"}, nil))
	require.NoError(t, err)
	_, err = g.Extend(rec("core/b/1.0/20240101000000",
		[]string{"core/c/1.0/20240101000000"}, nil))
	require.NoError(t, err)
	before := g.Stats()

	// c -> a closes a runtime cycle a -> b -> c -> a.
	_, err = g.Extend(rec("core/c/1.0/20240101000000",
		[]string{"core/a/1.0/20240101000000"}, nil))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCircularDependency))

	// Graph unchanged, and still extendable afterwards.
	assert.Equal(t, before, g.Stats())
	_, err = g.Extend(rec("core/c/1.0/20240102000000",
		[]string{"core/d/1.0/20240101000000"}, nil))
	require.NoError(t, err)
}

func TestExtendFailureRemovesFreshPlaceholders(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	_, err := g.Extend(rec("core/a/1.0/20240101000000",
		[]string{"core/b/1.0/20240101000000"}, nil))
	require.NoError(t, err)

	// b's extend pins a brand new dep d and closes a cycle via a; both the
	// cycle edges and the d placeholder must vanish.
	_, err = g.Extend(rec("core/b/1.0/20240101000000",
		[]string{"core/a/1.0/20240101000000", "core/d/1.0/20240101000000"}, nil))
	require.Error(t, err)

	_, ok := g.Resolve("core/d")
	assert.False(t, ok)
	assert.Equal(t, Stats{Nodes: 2, RuntimeEdges: 1, TotalEdges: 1}, g.Stats())
}

func TestExtendRejectsRuntimeSelfDependency(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)
	_, err := g.Extend(rec("core/a/1.0/20240101000000",
		[]string{"core/a/0.9/20230101000000"}, nil))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCircularDependency))
	assert.Equal(t, Stats{}, g.Stats())
}

func TestExtendAllowsBuildCycles(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	// pkg-config <-> glib style build cycle.
	_, err := g.Extend(rec("core/pkg-config/0.29/20240101000000", nil,
		[]string{"core/glib/2.78/20240101000000"}))
	require.NoError(t, err)
	_, err = g.Extend(rec("core/glib/2.78/20240101000000", nil,
		[]string{"core/pkg-config/0.29/20240101000000"}))
	require.NoError(t, err)

	stats := g.Stats()
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 0, stats.RuntimeEdges)
	assert.Equal(t, 2, stats.TotalEdges)
}

func TestExtendGivesPlaceholderItsOwnRecord(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	// bar's extend pins baz as a placeholder at exactly 1/2.
	_, err := g.Extend(rec("foo/bar/1/2", []string{"foo/baz/1/2"}, nil))
	require.NoError(t, err)

	// baz's own record arrives at the ident the placeholder already holds;
	// its edges must still land, so the mutual runtime dependency is caught.
	_, err = g.Extend(rec("foo/baz/1/2", []string{"foo/bar/1/2"}, nil))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCircularDependency))

	// A benign record at the same ident lands its edges too.
	_, err = g.Extend(rec("foo/baz/1/2", []string{"foo/qux/1/2"}, nil))
	require.NoError(t, err)
	rdeps, err := g.Rdeps("foo/qux")
	require.NoError(t, err)
	require.Len(t, rdeps, 1)
	assert.Equal(t, "foo/baz", rdeps[0].Short)

	// Once the real record is in, the same ident is a no-op again.
	before := g.Stats()
	stats, err := g.Extend(rec("foo/baz/1/2", []string{"foo/bar/1/2"}, nil))
	require.NoError(t, err)
	assert.Equal(t, before, stats)
}

func TestRdepsTransitive(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)

	// app -> lib -> libc; tool -> lib (build dep)
	_, err := g.Extend(rec("core/lib/1.0/20240101000000",
		[]string{"core/libc/2.38/20240101000000"}, nil))
	require.NoError(t, err)
	_, err = g.Extend(rec("core/app/1.0/20240101000000",
		[]string{"core/lib/1.0/20240101000000"}, nil))
	require.NoError(t, err)
	_, err = g.Extend(rec("core/tool/1.0/20240101000000", nil,
		[]string{"core/lib/1.0/20240101000000"}))
	require.NoError(t, err)

	rdeps, err := g.Rdeps("core/libc")
	require.NoError(t, err)
	shorts := make([]string, len(rdeps))
	for i, r := range rdeps {
		shorts[i] = r.Short
	}
	// tool only build-depends on lib: it is a rebuild concern, not a runtime
	// dependent, and stays out of rdeps.
	assert.Equal(t, []string{"core/app", "core/lib"}, shorts)
}

func TestRdepsUnknownPackage(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)
	_, err := g.Rdeps("core/ghost")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestCloneIsIndependent(t *testing.T) {
	g := NewTargetGraph(types.TargetLinux)
	_, err := g.Extend(rec("core/a/1.0/20240101000000",
		[]string{"core/b/1.0/20240101000000"}, nil))
	require.NoError(t, err)

	clone := g.Clone()
	_, err = clone.Extend(rec("core/b/1.0/20240101000000",
		[]string{"core/a/1.0/20240101000000"}, nil))
	require.Error(t, err, "cycle must be rejected on the clone")

	_, err = clone.Extend(rec("core/c/1.0/20240101000000",
		[]string{"core/a/1.0/20240101000000"}, nil))
	require.NoError(t, err)

	// Original untouched by the clone's extends.
	assert.Equal(t, Stats{Nodes: 2, RuntimeEdges: 1, TotalEdges: 1}, g.Stats())
	assert.Equal(t, Stats{Nodes: 3, RuntimeEdges: 2, TotalEdges: 2}, clone.Stats())
}

func TestGraphRoutesByTarget(t *testing.T) {
	g := New([]types.Target{types.TargetLinux})

	_, err := g.Extend(&types.PackageRecord{
		Ident:  types.MustIdent("core/a/1.0/20240101000000"),
		Target: types.TargetWindows,
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUnsupportedTarget))

	_, err = g.Target(types.TargetLinux)
	assert.NoError(t, err)
}
