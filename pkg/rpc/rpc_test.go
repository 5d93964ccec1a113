package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/graph"
	"github.com/cuemby/foundry/pkg/logs"
	"github.com/cuemby/foundry/pkg/planner"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/cuemby/foundry/pkg/wire"
)

type fakeCanceler struct {
	err    error
	called []int64
}

func (f *fakeCanceler) CancelGroup(ctx context.Context, groupID int64, trigger types.Trigger, requester string) error {
	f.called = append(f.called, groupID)
	return f.err
}

type fixture struct {
	store    storage.Store
	graph    *graph.Graph
	pipeline *logs.Pipeline
	canceler *fakeCanceler
	server   *Server
}

func record(ident string, deps ...string) *types.PackageRecord {
	rec := &types.PackageRecord{
		Ident:      types.MustIdent(ident),
		Target:     types.TargetLinux,
		Visibility: types.VisibilityPublic,
	}
	for _, d := range deps {
		rec.Deps = append(rec.Deps, types.MustIdent(d))
	}
	return rec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "rpc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	g := graph.New([]types.Target{types.TargetLinux})
	for _, rec := range []*types.PackageRecord{
		record("core/libc/2.39.0/20240101000000"),
		record("core/nginx/1.25.3/20240115103000", "core/libc/2.39.0/20240101000000"),
	} {
		_, err := g.Extend(rec)
		require.NoError(t, err)
	}

	ctx := context.Background()
	for _, name := range []string{"core/libc", "core/nginx"} {
		require.NoError(t, s.CreateProject(ctx, &types.Project{
			Name:      name,
			Origin:    "core",
			Target:    types.TargetLinux,
			PlanPath:  "habitat/plan.sh",
			VcsType:   "git",
			VcsData:   "https://example.com/" + name + ".git",
			AutoBuild: true,
		}))
	}

	pipeline, err := logs.NewPipeline(t.TempDir(), 100)
	require.NoError(t, err)
	t.Cleanup(func() { pipeline.Close() })

	canceler := &fakeCanceler{}
	return &fixture{
		store:    s,
		graph:    g,
		pipeline: pipeline,
		canceler: canceler,
		server:   NewServer(s, g, planner.New(s, g, nil), canceler, pipeline, nil),
	}
}

// call posts one envelope and decodes the response.
func call(t *testing.T, srv *Server, op string, reqBody any) (int, map[string]json.RawMessage) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"id": op, "body": reqBody})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/rpc", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func errCode(t *testing.T, out map[string]json.RawMessage) errs.Kind {
	t.Helper()
	var body struct {
		Code errs.Kind `json:"code"`
	}
	require.NoError(t, json.Unmarshal(out["error"], &body))
	return body.Code
}

func TestJobGroupSpecCreatesGroup(t *testing.T) {
	f := newFixture(t)

	status, out := call(t, f.server, "JobGroupSpec", map[string]any{
		"origin": "core", "package": "libc", "target": string(types.TargetLinux),
		"requester": "tester",
	})
	require.Equal(t, http.StatusOK, status)

	var resp JobGroupSpecResponse
	require.NoError(t, json.Unmarshal(out["body"], &resp))
	assert.NotZero(t, resp.GroupID)
	assert.Equal(t, types.GroupStateQueued, resp.Group.State)

	// libc plus its dependent nginx.
	require.Len(t, resp.Packages, 2)
	for _, p := range resp.Packages {
		assert.Equal(t, planner.DispositionQueued, p.Disposition)
	}
}

func TestJobGroupSpecUnknownPackage(t *testing.T) {
	f := newFixture(t)
	status, out := call(t, f.server, "JobGroupSpec", map[string]any{
		"origin": "core", "package": "nope", "target": string(types.TargetLinux),
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, errs.KindNotFound, errCode(t, out))
}

func TestJobGroupSpecUnsupportedTarget(t *testing.T) {
	f := newFixture(t)
	status, out := call(t, f.server, "JobGroupSpec", map[string]any{
		"origin": "core", "package": "libc", "target": "sparc-solaris",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errs.KindUnsupportedTarget, errCode(t, out))
}

func TestUnknownOperation(t *testing.T) {
	f := newFixture(t)
	status, out := call(t, f.server, "NoSuchOp", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errs.KindBadRequest, errCode(t, out))
}

func TestValidationRejectsMissingFields(t *testing.T) {
	f := newFixture(t)
	status, out := call(t, f.server, "JobGroupSpec", map[string]any{
		"package": "libc", "target": string(types.TargetLinux),
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errs.KindBadRequest, errCode(t, out))
}

func TestJobGroupGetWithEntries(t *testing.T) {
	f := newFixture(t)
	_, out := call(t, f.server, "JobGroupSpec", map[string]any{
		"origin": "core", "package": "libc", "target": string(types.TargetLinux),
	})
	var created JobGroupSpecResponse
	require.NoError(t, json.Unmarshal(out["body"], &created))

	status, out := call(t, f.server, "JobGroupGet", map[string]any{
		"group_id": created.GroupID, "include_projects": true,
	})
	require.Equal(t, http.StatusOK, status)

	var resp JobGroupGetResponse
	require.NoError(t, json.Unmarshal(out["body"], &resp))
	assert.Equal(t, created.GroupID, resp.Group.ID)
	assert.Len(t, resp.Entries, 2)
}

func TestJobGroupCancelMapsErrors(t *testing.T) {
	f := newFixture(t)

	f.canceler.err = errs.Conflict("group 9 is already complete")
	status, out := call(t, f.server, "JobGroupCancel", map[string]any{"group_id": 9})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errs.KindConflict, errCode(t, out))

	// A full scheduler inbox sheds load as 503.
	f.canceler.err = errs.Unavailable("scheduler inbox full")
	status, out = call(t, f.server, "JobGroupCancel", map[string]any{"group_id": 9})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, errs.KindUnavailable, errCode(t, out))
}

func TestJobLogGetStripsANSIByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := &types.Job{
		EntryID: 1, GroupID: 1, State: types.JobStateDispatched,
		ProjectName: "core/libc", Ident: "core/libc/2.39.0/20240101000000",
		Target: types.TargetLinux,
	}
	require.NoError(t, f.store.CreateJob(ctx, job))
	require.NoError(t, f.pipeline.Ingest(&wire.LogChunk{
		JobID: job.ID, Seq: 1, Content: []byte("\x1b[32mok\x1b[0m done\n"),
	}))

	status, out := call(t, f.server, "JobLogGet", map[string]any{"job_id": job.ID})
	require.Equal(t, http.StatusOK, status)

	var fetched logs.Fetched
	require.NoError(t, json.Unmarshal(out["body"], &fetched))
	assert.Equal(t, []string{"ok done"}, fetched.Content)

	status, out = call(t, f.server, "JobLogGet", map[string]any{"job_id": job.ID, "color": true})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(out["body"], &fetched))
	assert.Equal(t, []string{"\x1b[32mok\x1b[0m done"}, fetched.Content)
}

func TestReverseDependencies(t *testing.T) {
	f := newFixture(t)

	status, out := call(t, f.server, "JobGraphPackageReverseDependenciesGet", map[string]any{
		"origin": "core", "name": "libc", "target": string(types.TargetLinux),
	})
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Rdeps []string `json:"rdeps"`
	}
	require.NoError(t, json.Unmarshal(out["body"], &resp))
	assert.Equal(t, []string{"core/nginx/1.25.3/20240115103000"}, resp.Rdeps)
}

func TestReverseDependenciesGrouped(t *testing.T) {
	f := newFixture(t)

	status, out := call(t, f.server, "JobGraphPackageReverseDependenciesGroupedGet", map[string]any{
		"origin": "core", "name": "libc", "target": string(types.TargetLinux),
	})
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Groups []RdepsGroup `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(out["body"], &resp))
	require.Len(t, resp.Groups, 1)
	assert.Equal(t, []string{"core/nginx/1.25.3/20240115103000"}, resp.Groups[0].Idents)
}

func TestPreCreateRejectsRuntimeCycleWithoutTouchingGraph(t *testing.T) {
	f := newFixture(t)

	// libc depending on nginx would close a runtime cycle.
	status, out := call(t, f.server, "JobGraphPackagePreCreate", map[string]any{
		"ident":  "core/libc/2.40.0/20240201000000",
		"target": string(types.TargetLinux),
		"deps":   []string{"core/nginx/1.25.3/20240115103000"},
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errs.KindCircularDependency, errCode(t, out))

	// The live graph still resolves the old ident: the clone absorbed the hit.
	tg, err := f.graph.Target(types.TargetLinux)
	require.NoError(t, err)
	ident, ok := tg.Resolve("core/libc")
	require.True(t, ok)
	assert.Equal(t, "2.39.0", ident.Version)
}

func TestPackageCreatePersistsAndExtends(t *testing.T) {
	f := newFixture(t)

	status, _ := call(t, f.server, "JobGraphPackageCreate", map[string]any{
		"ident":    "core/openssl/3.2.1/20240120000000",
		"target":   string(types.TargetLinux),
		"deps":     []string{"core/libc/2.39.0/20240101000000"},
		"manifest": "pkg_name=openssl\npkg_version=3.2.1\n",
	})
	require.Equal(t, http.StatusOK, status)

	rec, err := f.store.GetPackage(context.Background(),
		types.MustIdent("core/openssl/3.2.1/20240120000000"), types.TargetLinux)
	require.NoError(t, err)
	assert.Equal(t, "core/openssl", rec.Ident.Short())
	assert.Equal(t, "pkg_name=openssl\npkg_version=3.2.1\n", rec.Manifest)

	tg, err := f.graph.Target(types.TargetLinux)
	require.NoError(t, err)
	rdeps, err := tg.Rdeps("core/libc")
	require.NoError(t, err)
	shorts := make([]string, len(rdeps))
	for i, r := range rdeps {
		shorts[i] = r.Short
	}
	assert.ElementsMatch(t, []string{"core/nginx", "core/openssl"}, shorts)
}
