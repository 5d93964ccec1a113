package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "foundry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// diamondGroup creates a group with entries a, b, c, d where b and c depend
// on a and d depends on both b and c. Returns the group and entries in that
// order.
func diamondGroup(t *testing.T, s *BoltStore) (*types.Group, []*types.JobGraphEntry) {
	t.Helper()
	group := &types.Group{
		State:       types.GroupStatePending,
		ProjectName: "core/a",
		Target:      types.TargetLinux,
	}
	entries := []*types.JobGraphEntry{
		{ProjectName: "core/a", Ident: "core/a", Target: types.TargetLinux, State: types.EntryStatePending},
		{ProjectName: "core/b", Ident: "core/b", Target: types.TargetLinux, State: types.EntryStatePending, Dependencies: []int64{0}},
		{ProjectName: "core/c", Ident: "core/c", Target: types.TargetLinux, State: types.EntryStatePending, Dependencies: []int64{0}},
		{ProjectName: "core/d", Ident: "core/d", Target: types.TargetLinux, State: types.EntryStatePending, Dependencies: []int64{1, 2}},
	}
	require.NoError(t, s.CreateGroup(context.Background(), group, entries))
	return group, entries
}

func TestCreateGroupRemapsDependencyIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, entries := diamondGroup(t, s)

	d, err := s.GetEntry(ctx, entries[3].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{entries[1].ID, entries[2].ID}, d.Dependencies)
	assert.Equal(t, 2, d.WaitingOn)

	a, err := s.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Empty(t, a.Dependencies)
	assert.Zero(t, a.WaitingOn)
}

func TestDispatchGroupEntriesPromotesRoots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group, entries := diamondGroup(t, s)
	require.NoError(t, s.DispatchGroupEntries(ctx, group.ID))

	a, err := s.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryStateReady, a.State)

	for _, e := range entries[1:] {
		got, err := s.GetEntry(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, types.EntryStateWaitingOnDep, got.State)
	}
}

func TestMarkEntryCompletePromotesDependents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group, entries := diamondGroup(t, s)
	require.NoError(t, s.DispatchGroupEntries(ctx, group.ID))

	promoted, err := s.MarkEntryComplete(ctx, entries[0].ID, "core/a/1.0/20240101000000")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{entries[1].ID, entries[2].ID}, promoted)

	// d still waits on both b and c.
	d, err := s.GetEntry(ctx, entries[3].ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryStateWaitingOnDep, d.State)
	assert.Equal(t, 2, d.WaitingOn)

	promoted, err = s.MarkEntryComplete(ctx, entries[1].ID, "core/b/1.0/20240101000000")
	require.NoError(t, err)
	assert.Empty(t, promoted)

	promoted, err = s.MarkEntryComplete(ctx, entries[2].ID, "core/c/1.0/20240101000000")
	require.NoError(t, err)
	assert.Equal(t, []int64{entries[3].ID}, promoted)

	a, err := s.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "core/a/1.0/20240101000000", a.AsBuilt)
}

func TestMarkEntryFailedCascadesTransitively(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group, entries := diamondGroup(t, s)
	require.NoError(t, s.DispatchGroupEntries(ctx, group.ID))

	cascaded, err := s.MarkEntryFailed(ctx, entries[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{entries[3].ID}, cascaded)

	b, err := s.GetEntry(ctx, entries[1].ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryStateJobFailed, b.State)

	d, err := s.GetEntry(ctx, entries[3].ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryStateDependencyFailed, d.State)

	// c is unrelated to b and keeps building.
	c, err := s.GetEntry(ctx, entries[2].ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryStateWaitingOnDep, c.State)
}

func TestMarkEntryFailedSkipsCompletedDependents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group, entries := diamondGroup(t, s)
	require.NoError(t, s.DispatchGroupEntries(ctx, group.ID))

	_, err := s.MarkEntryComplete(ctx, entries[0].ID, "core/a/1.0/20240101000000")
	require.NoError(t, err)
	_, err = s.MarkEntryComplete(ctx, entries[1].ID, "core/b/1.0/20240101000000")
	require.NoError(t, err)

	// a already completed b; failing a later must not touch b.
	cascaded, err := s.MarkEntryFailed(ctx, entries[2].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{entries[3].ID}, cascaded)

	b, err := s.GetEntry(ctx, entries[1].ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryStateComplete, b.State)
}

func TestTakeNextReadyEntryDrainsOldestGroupFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, firstEntries := diamondGroup(t, s)
	second := &types.Group{State: types.GroupStatePending, ProjectName: "core/z", Target: types.TargetLinux}
	require.NoError(t, s.CreateGroup(ctx, second, []*types.JobGraphEntry{
		{ProjectName: "core/z", Ident: "core/z", Target: types.TargetLinux, State: types.EntryStatePending},
	}))
	require.NoError(t, s.DispatchGroupEntries(ctx, first.ID))
	require.NoError(t, s.DispatchGroupEntries(ctx, second.ID))

	taken, err := s.TakeNextReadyEntry(ctx, types.TargetLinux)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, firstEntries[0].ID, taken.ID)
	assert.Equal(t, types.EntryStateRunning, taken.State)

	// The first group has nothing else ready; the second group's root is next.
	taken, err = s.TakeNextReadyEntry(ctx, types.TargetLinux)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, second.ID, taken.GroupID)

	taken, err = s.TakeNextReadyEntry(ctx, types.TargetLinux)
	require.NoError(t, err)
	assert.Nil(t, taken)
}

func TestTakeNextReadyEntryFiltersTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group, _ := diamondGroup(t, s)
	require.NoError(t, s.DispatchGroupEntries(ctx, group.ID))

	taken, err := s.TakeNextReadyEntry(ctx, types.TargetWindows)
	require.NoError(t, err)
	assert.Nil(t, taken)
}

func TestCancelGroupEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group, entries := diamondGroup(t, s)
	require.NoError(t, s.DispatchGroupEntries(ctx, group.ID))

	// a running, b complete via promotion path is impossible here, so set up:
	// a complete, b running, c ready, d waiting.
	_, err := s.MarkEntryComplete(ctx, entries[0].ID, "core/a/1.0/20240101000000")
	require.NoError(t, err)
	require.NoError(t, s.SetEntryState(ctx, entries[1].ID, types.EntryStateRunning))

	canceling, err := s.CancelGroupEntries(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, canceling, 1)
	assert.Equal(t, entries[1].ID, canceling[0].ID)
	assert.Equal(t, types.EntryStateCancelPending, canceling[0].State)

	// Completed entries keep their state; idle entries finish immediately.
	a, _ := s.GetEntry(ctx, entries[0].ID)
	assert.Equal(t, types.EntryStateComplete, a.State)
	c, _ := s.GetEntry(ctx, entries[2].ID)
	assert.Equal(t, types.EntryStateCancelComplete, c.State)
	d, _ := s.GetEntry(ctx, entries[3].ID)
	assert.Equal(t, types.EntryStateCancelComplete, d.State)
}

func TestEntryRdeps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, entries := diamondGroup(t, s)

	rdeps, err := s.EntryRdeps(ctx, entries[0].ID)
	require.NoError(t, err)
	ids := make([]int64, len(rdeps))
	for i, r := range rdeps {
		ids[i] = r.ID
	}
	assert.Equal(t, []int64{entries[1].ID, entries[2].ID, entries[3].ID}, ids)

	rdeps, err = s.EntryRdeps(ctx, entries[3].ID)
	require.NoError(t, err)
	assert.Empty(t, rdeps)
}

func TestTakeNextPendingGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _ := diamondGroup(t, s)
	second := &types.Group{State: types.GroupStatePending, ProjectName: "core/z", Target: types.TargetLinux}
	require.NoError(t, s.CreateGroup(ctx, second, nil))

	taken, err := s.TakeNextPendingGroup(ctx, types.TargetLinux)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, first.ID, taken.ID)
	assert.Equal(t, types.GroupStateDispatching, taken.State)

	taken, err = s.TakeNextPendingGroup(ctx, types.TargetLinux)
	require.NoError(t, err)
	assert.Equal(t, second.ID, taken.ID)

	taken, err = s.TakeNextPendingGroup(ctx, types.TargetLinux)
	require.NoError(t, err)
	assert.Nil(t, taken)
}

func TestHasActiveGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group, _ := diamondGroup(t, s)

	active, err := s.HasActiveGroup(ctx, "core/a", types.TargetLinux)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = s.HasActiveGroup(ctx, "core/b", types.TargetLinux)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, s.SetGroupState(ctx, group.ID, types.GroupStateComplete))
	active, err = s.HasActiveGroup(ctx, "core/a", types.TargetLinux)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &types.Job{
		EntryID:     7,
		GroupID:     3,
		State:       types.JobStatePending,
		ProjectName: "core/a",
		Ident:       "core/a",
		Target:      types.TargetLinux,
	}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NotZero(t, job.ID)

	job.State = types.JobStateFailed
	job.Error = &types.JobError{Code: "BuildFailed", Message: "exit status 1"}
	require.NoError(t, s.UpdateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "BuildFailed", got.Error.Code)

	failed, err := s.ListJobsByState(ctx, types.JobStateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, s.MarkJobArchived(ctx, job.ID))
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)

	_, err = s.GetJob(ctx, 9999)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestListJobsByProjectPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateJob(ctx, &types.Job{
			EntryID: int64(i), State: types.JobStateComplete,
			ProjectName: "core/a", Ident: "core/a", Target: types.TargetLinux,
		}))
	}

	page1, err := s.ListJobsByProject(ctx, "core/a", 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	// Newest first.
	assert.Greater(t, page1[0].ID, page1[1].ID)

	page3, err := s.ListJobsByProject(ctx, "core/a", 3, 2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
}

func TestBusyWorkerStaleDeleteIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBusyWorker(ctx, &types.BusyWorker{
		Ident: "worker-1", JobID: 10, Target: types.TargetLinux,
	}))
	// Reassigned to a newer job.
	require.NoError(t, s.UpsertBusyWorker(ctx, &types.BusyWorker{
		Ident: "worker-1", JobID: 11, Target: types.TargetLinux,
	}))

	// A delete for the old assignment must not drop the new one.
	require.NoError(t, s.DeleteBusyWorker(ctx, "worker-1", 10))
	workers, err := s.ListBusyWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, int64(11), workers[0].JobID)

	require.NoError(t, s.DeleteBusyWorker(ctx, "worker-1", 11))
	workers, err = s.ListBusyWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestPackageRecordsAreImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &types.PackageRecord{
		Ident:      types.MustIdent("core/a/1.0/20240101000000"),
		Target:     types.TargetLinux,
		Visibility: types.VisibilityPublic,
	}
	require.NoError(t, s.CreatePackage(ctx, rec))

	err := s.CreatePackage(ctx, &types.PackageRecord{
		Ident:  types.MustIdent("core/a/1.0/20240101000000"),
		Target: types.TargetLinux,
	})
	assert.True(t, errs.Is(err, errs.KindConflict))

	// Same ident on another target is a distinct record.
	require.NoError(t, s.CreatePackage(ctx, &types.PackageRecord{
		Ident:  types.MustIdent("core/a/1.0/20240101000000"),
		Target: types.TargetAarch64Linux,
	}))

	recs, err := s.ListPackages(ctx, types.TargetLinux)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "core/a/1.0/20240101000000", recs[0].Ident.String())
}

func TestChannelLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateChannel(ctx, "core", "stable")
	assert.True(t, errs.Is(err, errs.KindConflict))

	ch, err := s.CreateChannel(ctx, "core", "staging")
	require.NoError(t, err)
	assert.NotZero(t, ch.ID)

	_, err = s.CreateChannel(ctx, "core", "staging")
	assert.True(t, errs.Is(err, errs.KindConflict))

	// Reserved channels resolve without ever being created.
	ch, err = s.GetChannel(ctx, "core", "unstable")
	require.NoError(t, err)
	assert.Equal(t, "unstable", ch.Name)

	channels, err := s.ListChannels(ctx, "core")
	require.NoError(t, err)
	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"stable", "staging", "unstable"}, names)

	assert.True(t, errs.Is(s.DeleteChannel(ctx, "core", "stable"), errs.KindConflict))
	require.NoError(t, s.DeleteChannel(ctx, "core", "staging"))
	_, err = s.GetChannel(ctx, "core", "staging")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestPromoteDemoteRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePackage(ctx, &types.PackageRecord{
		Ident:      types.MustIdent("core/a/1.0/20240101000000"),
		Target:     types.TargetLinux,
		Visibility: types.VisibilityPublic,
	}))
	require.NoError(t, s.CreatePackage(ctx, &types.PackageRecord{
		Ident:      types.MustIdent("core/b/1.0/20240101000000"),
		Target:     types.TargetLinux,
		Visibility: types.VisibilityPrivate,
	}))

	ident := "core/a/1.0/20240101000000"
	require.NoError(t, s.PromotePackage(ctx, "core", "stable", ident, types.TriggerManual, "admin"))
	// Promoting again is a no-op for membership.
	require.NoError(t, s.PromotePackage(ctx, "core", "stable", ident, types.TriggerManual, "admin"))
	require.NoError(t, s.PromotePackage(ctx, "core", "stable", "core/b/1.0/20240101000000", types.TriggerUpload, ""))

	public, err := s.ListChannelPackages(ctx, "core", "stable", []types.Visibility{types.VisibilityPublic}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ident}, public)

	all, err := s.ListChannelPackages(ctx, "core", "stable",
		[]types.Visibility{types.VisibilityPublic, types.VisibilityPrivate}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DemotePackage(ctx, "core", "stable", ident, types.TriggerManual, "admin"))
	public, err = s.ListChannelPackages(ctx, "core", "stable", []types.Visibility{types.VisibilityPublic}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, public)
}

func TestProjectRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project := &types.Project{
		Name:      "core/a",
		Origin:    "core",
		Target:    types.TargetLinux,
		PlanPath:  "plan.sh",
		VcsType:   "git",
		VcsData:   "https://example.com/core/a.git",
		AutoBuild: true,
	}
	require.NoError(t, s.CreateProject(ctx, project))
	assert.True(t, errs.Is(s.CreateProject(ctx, project), errs.KindConflict))

	project.AutoBuild = false
	require.NoError(t, s.UpdateProject(ctx, project))

	got, err := s.GetProject(ctx, "core/a", types.TargetLinux)
	require.NoError(t, err)
	assert.False(t, got.AutoBuild)

	projects, err := s.ListProjects(ctx, types.TargetLinux)
	require.NoError(t, err)
	assert.Len(t, projects, 1)

	require.NoError(t, s.DeleteProject(ctx, "core/a", types.TargetLinux))
	_, err = s.GetProject(ctx, "core/a", types.TargetLinux)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestOriginSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetOriginSecretKey(ctx, "core")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	key := &types.OriginSecretKey{Origin: "core", Revision: "20240101", Body: "a2V5"}
	require.NoError(t, s.UpsertOriginSecretKey(ctx, key))
	require.NotZero(t, key.ID)

	require.NoError(t, s.UpsertOriginSecret(ctx, &types.OriginSecret{
		Origin: "core", Name: "GITHUB_TOKEN", Value: "c2VhbGVk",
	}))
	require.NoError(t, s.UpsertOriginSecret(ctx, &types.OriginSecret{
		Origin: "core", Name: "API_KEY", Value: "c2VhbGVk",
	}))

	secrets, err := s.ListOriginSecrets(ctx, "core")
	require.NoError(t, err)
	require.Len(t, secrets, 2)
	assert.Equal(t, "API_KEY", secrets[0].Name)

	secrets, err = s.ListOriginSecrets(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, secrets)
}

func TestGroupAndEntryCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group, _ := diamondGroup(t, s)
	require.NoError(t, s.DispatchGroupEntries(ctx, group.ID))

	groupCounts, err := s.GroupCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, groupCounts[types.GroupStatePending])

	entryCounts, err := s.EntryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, entryCounts[types.TargetLinux][types.EntryStateReady])
	assert.Equal(t, 3, entryCounts[types.TargetLinux][types.EntryStateWaitingOnDep])

	ready, err := s.CountReadyEntries(ctx, types.TargetLinux)
	require.NoError(t, err)
	assert.Equal(t, 1, ready)
}
