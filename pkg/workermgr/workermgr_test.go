package workermgr

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/security"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/cuemby/foundry/pkg/wire"
)

type fakeSched struct {
	queue    []*types.Job
	finished []*types.Job
	requeued []int64
	full     bool
}

func (f *fakeSched) WorkNeeded(ctx context.Context, target types.Target) (*types.Job, error) {
	if len(f.queue) == 0 {
		return nil, nil
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	return job, nil
}

func (f *fakeSched) JobFinished(job *types.Job) error {
	if f.full {
		return errs.Unavailable("inbox full")
	}
	f.finished = append(f.finished, job)
	return nil
}

func (f *fakeSched) RequeueJob(jobID int64) error {
	f.requeued = append(f.requeued, jobID)
	return nil
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "workermgr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, s storage.Store, sched JobSource) *Manager {
	t.Helper()
	return New(s, sched, nil, []types.Target{types.TargetLinux}, Options{
		HeartbeatTimeout: 33 * time.Second,
		JobTimeout:       time.Hour,
		Tick:             5 * time.Second,
	})
}

type captured struct {
	tag     byte
	payload []byte
}

// pipeWorker returns the server-side conn for a fake worker and a channel of
// everything the manager sends to it.
func pipeWorker(t *testing.T) (*wire.Conn, <-chan captured) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	ch := make(chan captured, 16)
	workerSide := wire.NewConn(client)
	go func() {
		for {
			tag, payload, err := workerSide.ReadMessage()
			if err != nil {
				close(ch)
				return
			}
			ch <- captured{tag: tag, payload: payload}
		}
	}()
	return wire.NewConn(server), ch
}

func heartbeat(ident string, state types.WorkerState, jobID int64) wire.Heartbeat {
	return wire.Heartbeat{
		Ident:  ident,
		Target: types.TargetLinux,
		OS:     "linux",
		State:  state,
		JobID:  jobID,
	}
}

func createJob(t *testing.T, s storage.Store, state types.JobState) *types.Job {
	t.Helper()
	job := &types.Job{
		EntryID:     1,
		GroupID:     1,
		State:       state,
		ProjectName: "core/nginx",
		Ident:       "core/nginx/1.25.3/20240115103000",
		Target:      types.TargetLinux,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestHeartbeatRegistersUnknownReadyWorker(t *testing.T) {
	m := newTestManager(t, newTestStore(t), &fakeSched{})
	m.handleHeartbeat(context.Background(), heartbeat("worker-1", types.WorkerStateReady, 0))

	w := m.workers["worker-1"]
	require.NotNil(t, w)
	assert.Equal(t, types.WorkerStateReady, w.State)
	assert.True(t, w.Expiry.After(time.Now()))
}

func TestHeartbeatUnknownBusyIsIgnored(t *testing.T) {
	m := newTestManager(t, newTestStore(t), &fakeSched{})
	m.handleHeartbeat(context.Background(), heartbeat("worker-1", types.WorkerStateBusy, 7))
	assert.Nil(t, m.workers["worker-1"])
}

func TestHeartbeatBusyFromReadyWorkerIsIgnored(t *testing.T) {
	m := newTestManager(t, newTestStore(t), &fakeSched{})
	m.handleHeartbeat(context.Background(), heartbeat("worker-1", types.WorkerStateReady, 0))
	m.handleHeartbeat(context.Background(), heartbeat("worker-1", types.WorkerStateBusy, 7))

	w := m.workers["worker-1"]
	assert.Equal(t, types.WorkerStateReady, w.State)
	assert.Zero(t, w.JobID)
}

func TestBusyHeartbeatAfterJobTimeoutCancelsOnce(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &fakeSched{})
	conn, sent := pipeWorker(t)
	job := createJob(t, s, types.JobStateDispatched)

	m.conns["worker-1"] = conn
	m.workers["worker-1"] = &types.Worker{
		Ident:     "worker-1",
		Target:    types.TargetLinux,
		State:     types.WorkerStateBusy,
		JobID:     job.ID,
		Expiry:    time.Now().Add(time.Minute),
		JobExpiry: time.Now().Add(-time.Minute),
	}

	m.handleHeartbeat(context.Background(), heartbeat("worker-1", types.WorkerStateBusy, job.ID))
	m.handleHeartbeat(context.Background(), heartbeat("worker-1", types.WorkerStateBusy, job.ID))

	msg := <-sent
	assert.Equal(t, wire.TagCancelJob, msg.tag)
	var cancel wire.CancelJob
	require.NoError(t, wire.Decode(msg.payload, &cancel))
	assert.Equal(t, job.ID, cancel.JobID)

	select {
	case extra := <-sent:
		t.Fatalf("unexpected second command %q", extra.tag)
	case <-time.After(50 * time.Millisecond):
	}

	w := m.workers["worker-1"]
	assert.True(t, w.Canceling)
	assert.True(t, w.Quarantined)

	rows, err := s.ListBusyWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Quarantined)
}

func TestReadyHeartbeatReleasesBusyWorkerOnlyWhenJobTerminal(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &fakeSched{})
	ctx := context.Background()
	job := createJob(t, s, types.JobStateDispatched)

	require.NoError(t, s.UpsertBusyWorker(ctx, &types.BusyWorker{
		Ident: "worker-1", JobID: job.ID, Target: types.TargetLinux,
	}))
	m.workers["worker-1"] = &types.Worker{
		Ident:  "worker-1",
		Target: types.TargetLinux,
		State:  types.WorkerStateBusy,
		JobID:  job.ID,
		Expiry: time.Now().Add(time.Minute),
	}

	// Job still running in the store: the ready heartbeat is a race, ignore.
	m.handleHeartbeat(ctx, heartbeat("worker-1", types.WorkerStateReady, 0))
	assert.Equal(t, types.WorkerStateBusy, m.workers["worker-1"].State)

	job.State = types.JobStateComplete
	require.NoError(t, s.UpdateJob(ctx, job))

	m.handleHeartbeat(ctx, heartbeat("worker-1", types.WorkerStateReady, 0))
	assert.Equal(t, types.WorkerStateReady, m.workers["worker-1"].State)
	assert.Zero(t, m.workers["worker-1"].JobID)

	rows, err := s.ListBusyWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExpiredWorkerIsRemovedAndJobRequeued(t *testing.T) {
	s := newTestStore(t)
	sched := &fakeSched{}
	m := newTestManager(t, s, sched)
	ctx := context.Background()
	job := createJob(t, s, types.JobStateDispatched)

	require.NoError(t, s.UpsertBusyWorker(ctx, &types.BusyWorker{
		Ident: "worker-1", JobID: job.ID, Target: types.TargetLinux,
	}))
	m.workers["worker-1"] = &types.Worker{
		Ident:  "worker-1",
		Target: types.TargetLinux,
		State:  types.WorkerStateBusy,
		JobID:  job.ID,
		Expiry: time.Now().Add(-time.Second),
	}

	m.expireWorkers(ctx)

	assert.Nil(t, m.workers["worker-1"])
	assert.Equal(t, []int64{job.ID}, sched.requeued)

	rows, err := s.ListBusyWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestChaseCancelsSettlesWorkerlessJob(t *testing.T) {
	s := newTestStore(t)
	sched := &fakeSched{}
	m := newTestManager(t, s, sched)
	job := createJob(t, s, types.JobStateCancelPending)

	m.chaseCancels(context.Background())

	require.Len(t, sched.finished, 1)
	assert.Equal(t, job.ID, sched.finished[0].ID)
	assert.Equal(t, types.JobStateCancelComplete, sched.finished[0].State)
}

func TestChaseCancelsSendsToHolderOnce(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &fakeSched{})
	conn, sent := pipeWorker(t)
	job := createJob(t, s, types.JobStateCancelPending)

	m.conns["worker-1"] = conn
	m.workers["worker-1"] = &types.Worker{
		Ident:     "worker-1",
		Target:    types.TargetLinux,
		State:     types.WorkerStateBusy,
		JobID:     job.ID,
		Expiry:    time.Now().Add(time.Minute),
		JobExpiry: time.Now().Add(time.Hour),
	}

	m.chaseCancels(context.Background())
	m.chaseCancels(context.Background())

	msg := <-sent
	assert.Equal(t, wire.TagCancelJob, msg.tag)
	select {
	case extra := <-sent:
		t.Fatalf("unexpected second command %q", extra.tag)
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, m.workers["worker-1"].Canceling)
}

func TestDispatchSendsStartJobWithDecryptedSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, types.JobStatePending)
	sched := &fakeSched{queue: []*types.Job{job}}
	m := newTestManager(t, s, sched)
	conn, sent := pipeWorker(t)

	require.NoError(t, s.CreateProject(ctx, &types.Project{
		Name:     "core/nginx",
		Origin:   "core",
		Target:   types.TargetLinux,
		PlanPath: "habitat/plan.sh",
		VcsType:  "git",
		VcsData:  "https://example.com/core/nginx.git",
	}))

	keyBody, err := security.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.UpsertOriginSecretKey(ctx, &types.OriginSecretKey{
		Origin: "core", Revision: "1", Body: keyBody,
	}))
	box, err := security.NewSecretBox(keyBody)
	require.NoError(t, err)
	sealed, err := box.Seal("hunter2")
	require.NoError(t, err)
	require.NoError(t, s.UpsertOriginSecret(ctx, &types.OriginSecret{
		Origin: "core", Name: "GITHUB_TOKEN", Value: sealed,
	}))

	m.conns["worker-1"] = conn
	m.workers["worker-1"] = &types.Worker{
		Ident:  "worker-1",
		Target: types.TargetLinux,
		State:  types.WorkerStateReady,
		Expiry: time.Now().Add(time.Minute),
	}

	m.assignWork(ctx)

	msg := <-sent
	require.Equal(t, wire.TagStartJob, msg.tag)
	var start wire.StartJob
	require.NoError(t, wire.Decode(msg.payload, &start))
	assert.Equal(t, job.ID, start.Job.ID)
	assert.Equal(t, "habitat/plan.sh", start.PlanPath)
	assert.Equal(t, "https://example.com/core/nginx.git", start.VcsData)
	require.Len(t, start.Secrets, 1)
	assert.Equal(t, "GITHUB_TOKEN", start.Secrets[0].Name)
	assert.Equal(t, "hunter2", start.Secrets[0].Value)
	assert.Equal(t, int64(3600), start.Timeout)

	w := m.workers["worker-1"]
	assert.Equal(t, types.WorkerStateBusy, w.State)
	assert.Equal(t, job.ID, w.JobID)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateDispatched, stored.State)
	assert.Equal(t, "worker-1", stored.WorkerIdent)

	rows, err := s.ListBusyWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, job.ID, rows[0].JobID)
}

func TestTerminalStatusReleasesWorker(t *testing.T) {
	s := newTestStore(t)
	sched := &fakeSched{}
	m := newTestManager(t, s, sched)
	ctx := context.Background()
	job := createJob(t, s, types.JobStateDispatched)

	require.NoError(t, s.UpsertBusyWorker(ctx, &types.BusyWorker{
		Ident: "worker-1", JobID: job.ID, Target: types.TargetLinux,
	}))
	m.workers["worker-1"] = &types.Worker{
		Ident:  "worker-1",
		Target: types.TargetLinux,
		State:  types.WorkerStateBusy,
		JobID:  job.ID,
		Expiry: time.Now().Add(time.Minute),
	}

	done := *job
	done.State = types.JobStateComplete
	done.AsBuilt = job.Ident
	m.handleStatus(ctx, "worker-1", &done)

	require.Len(t, sched.finished, 1)
	assert.Equal(t, types.JobStateComplete, sched.finished[0].State)
	assert.Equal(t, types.WorkerStateReady, m.workers["worker-1"].State)

	rows, err := s.ListBusyWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeferredReportRetriesOnTick(t *testing.T) {
	s := newTestStore(t)
	sched := &fakeSched{full: true}
	m := newTestManager(t, s, sched)
	ctx := context.Background()
	job := createJob(t, s, types.JobStateDispatched)

	done := *job
	done.State = types.JobStateComplete
	m.handleStatus(ctx, "worker-1", &done)
	assert.Empty(t, sched.finished)
	assert.Len(t, m.unreported, 1)

	sched.full = false
	m.retryUnreported()
	require.Len(t, sched.finished, 1)
	assert.Empty(t, m.unreported)
}

func TestRecoverRequeuesOrphanedDispatchedJobs(t *testing.T) {
	s := newTestStore(t)
	sched := &fakeSched{}
	m := newTestManager(t, s, sched)
	ctx := context.Background()

	held := createJob(t, s, types.JobStateDispatched)
	orphan := createJob(t, s, types.JobStateDispatched)
	require.NoError(t, s.UpsertBusyWorker(ctx, &types.BusyWorker{
		Ident: "worker-1", JobID: held.ID, Target: types.TargetLinux,
	}))

	require.NoError(t, m.Recover(ctx))

	assert.Equal(t, []int64{orphan.ID}, sched.requeued)
	w := m.workers["worker-1"]
	require.NotNil(t, w)
	assert.Equal(t, types.WorkerStateBusy, w.State)
	assert.Equal(t, held.ID, w.JobID)
}

func TestCommandChannelHelloRegistersWorker(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, &fakeSched{})
	m.Start()
	defer m.Stop()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go m.readCommands(context.Background(), wire.NewConn(server))

	workerSide := wire.NewConn(client)
	require.NoError(t, workerSide.WriteMessage(wire.TagHello, &wire.Hello{
		Ident: "worker-9", Target: types.TargetLinux, OS: "linux",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		workers, err := m.Workers(ctx)
		if err != nil {
			return false
		}
		for _, w := range workers {
			if w.Ident == "worker-9" && w.State == types.WorkerStateReady {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
