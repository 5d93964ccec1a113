// Package workermgr tracks the connected build workers and mediates the
// wire protocol: heartbeats in, StartJob/CancelJob out, JobStatus back. A
// single actor goroutine owns the worker table; socket readers feed it
// through a bounded inbox.
package workermgr

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/security"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/cuemby/foundry/pkg/wire"
)

const commandWriteTimeout = 5 * time.Second

// JobSource is the slice of the scheduler the manager needs.
type JobSource interface {
	WorkNeeded(ctx context.Context, target types.Target) (*types.Job, error)
	JobFinished(job *types.Job) error
	RequeueJob(jobID int64) error
}

// Options tunes the manager's timers.
type Options struct {
	HeartbeatTimeout time.Duration
	JobTimeout       time.Duration
	Tick             time.Duration
}

type message interface{ workermgr() }

type msgHeartbeat struct {
	hb wire.Heartbeat
}

type msgConnected struct {
	hello wire.Hello
	conn  *wire.Conn
}

type msgDisconnected struct {
	ident string
	conn  *wire.Conn
}

type msgJobStatus struct {
	ident string
	job   *types.Job
}

type msgWorkers struct {
	reply chan []*types.Worker
}

type msgPing struct {
	reply chan struct{}
}

func (msgHeartbeat) workermgr()    {}
func (msgConnected) workermgr()    {}
func (msgDisconnected) workermgr() {}
func (msgJobStatus) workermgr()    {}
func (msgWorkers) workermgr()      {}
func (msgPing) workermgr()         {}

// Manager is the worker-table actor.
type Manager struct {
	store   storage.Store
	sched   JobSource
	broker  *events.Broker
	targets []types.Target
	opts    Options

	inbox  chan message
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger

	// Owned by the actor goroutine.
	workers map[string]*types.Worker
	conns   map[string]*wire.Conn
	// Terminal reports the scheduler could not take yet; retried every tick.
	unreported []*types.Job
}

// New creates a worker manager for the configured build targets.
func New(store storage.Store, sched JobSource, broker *events.Broker, targets []types.Target, opts Options) *Manager {
	return &Manager{
		store:   store,
		sched:   sched,
		broker:  broker,
		targets: targets,
		opts:    opts,
		inbox:   make(chan message, 256),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  log.WithComponent("workermgr"),
		workers: make(map[string]*types.Worker),
		conns:   make(map[string]*wire.Conn),
	}
}

// Recover rebuilds worker state after a restart: busy-worker rows become
// Busy entries awaiting their next heartbeat, and dispatched jobs with no
// surviving assignment are requeued. Call before Start.
func (m *Manager) Recover(ctx context.Context) error {
	rows, err := m.store.ListBusyWorkers(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	assigned := make(map[int64]bool, len(rows))
	for _, bw := range rows {
		assigned[bw.JobID] = true
		m.workers[bw.Ident] = &types.Worker{
			Ident:       bw.Ident,
			Target:      bw.Target,
			State:       types.WorkerStateBusy,
			JobID:       bw.JobID,
			Expiry:      now.Add(m.opts.HeartbeatTimeout),
			JobExpiry:   now.Add(m.opts.JobTimeout),
			Quarantined: bw.Quarantined,
		}
	}

	dispatched, err := m.store.ListJobsByState(ctx, types.JobStateDispatched)
	if err != nil {
		return err
	}
	orphans := 0
	for _, job := range dispatched {
		if assigned[job.ID] {
			continue
		}
		if err := m.sched.RequeueJob(job.ID); err != nil {
			return err
		}
		orphans++
	}

	m.logger.Info().
		Int("busy_workers", len(rows)).
		Int("requeued_orphans", orphans).
		Msg("worker state recovered")
	return nil
}

// Start begins the actor loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop stops the actor and waits for the loop to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) send(msg message) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-m.stopCh:
		return errs.Unavailable("worker manager is shutting down")
	}
}

// Ping round-trips a message through the actor loop.
func (m *Manager) Ping(ctx context.Context) error {
	reply := make(chan struct{})
	if err := m.send(msgPing{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopCh:
		return errs.Unavailable("worker manager is shutting down")
	}
}

// Workers returns a snapshot of the worker table.
func (m *Manager) Workers(ctx context.Context) ([]*types.Worker, error) {
	reply := make(chan []*types.Worker, 1)
	if err := m.send(msgWorkers{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case workers := <-reply:
		return workers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopCh:
		return nil, errs.Unavailable("worker manager is shutting down")
	}
}

func (m *Manager) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case msg := <-m.inbox:
			m.handle(ctx, msg)
		case <-ticker.C:
			m.tickOnce(ctx)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg message) {
	switch v := msg.(type) {
	case msgHeartbeat:
		m.handleHeartbeat(ctx, v.hb)
	case msgConnected:
		m.handleConnected(v.hello, v.conn)
	case msgDisconnected:
		if m.conns[v.ident] == v.conn {
			delete(m.conns, v.ident)
		}
	case msgJobStatus:
		m.handleStatus(ctx, v.ident, v.job)
	case msgWorkers:
		out := make([]*types.Worker, 0, len(m.workers))
		for _, w := range m.workers {
			copied := *w
			out = append(out, &copied)
		}
		v.reply <- out
	case msgPing:
		close(v.reply)
	}
}

// tickOnce runs the periodic duties: expiry sweeps, cancel chasing, work
// assignment, and gauge export.
func (m *Manager) tickOnce(ctx context.Context) {
	m.retryUnreported()
	m.expireWorkers(ctx)
	m.expireJobs(ctx)
	m.chaseCancels(ctx)
	m.assignWork(ctx)
	m.exportGauges()
}

// handleConnected registers a worker's command channel. A reconnect
// replaces the previous connection.
func (m *Manager) handleConnected(hello wire.Hello, conn *wire.Conn) {
	if old, ok := m.conns[hello.Ident]; ok && old != conn {
		old.Close()
	}
	m.conns[hello.Ident] = conn

	if _, known := m.workers[hello.Ident]; !known {
		m.workers[hello.Ident] = &types.Worker{
			Ident:  hello.Ident,
			Target: hello.Target,
			OS:     hello.OS,
			State:  types.WorkerStateReady,
			Expiry: time.Now().Add(m.opts.HeartbeatTimeout),
		}
		m.logger.Info().Str("worker", hello.Ident).Str("target", string(hello.Target)).Msg("worker registered")
		if m.broker != nil {
			m.broker.Publish(events.ForWorker(events.EventWorkerRegistered, hello.Ident, hello.Target, "worker registered"))
		}
	}
}

// handleHeartbeat applies one heartbeat against the worker table.
func (m *Manager) handleHeartbeat(ctx context.Context, hb wire.Heartbeat) {
	now := time.Now()
	w, known := m.workers[hb.Ident]

	switch {
	case !known && hb.State == types.WorkerStateReady:
		m.workers[hb.Ident] = &types.Worker{
			Ident:  hb.Ident,
			Target: hb.Target,
			OS:     hb.OS,
			State:  types.WorkerStateReady,
			Expiry: now.Add(m.opts.HeartbeatTimeout),
		}
		m.logger.Info().Str("worker", hb.Ident).Str("target", string(hb.Target)).Msg("worker registered")
		if m.broker != nil {
			m.broker.Publish(events.ForWorker(events.EventWorkerRegistered, hb.Ident, hb.Target, "worker registered"))
		}

	case !known && hb.State == types.WorkerStateBusy:
		// A busy worker we never dispatched to. Ignore until it reports ready.
		m.logger.Warn().Str("worker", hb.Ident).Int64("job_id", hb.JobID).Msg("busy heartbeat from unknown worker")

	case w.State == types.WorkerStateReady && hb.State == types.WorkerStateBusy:
		m.logger.Warn().Str("worker", hb.Ident).Int64("job_id", hb.JobID).Msg("busy heartbeat from ready worker")

	case w.State == types.WorkerStateBusy && hb.State == types.WorkerStateBusy:
		w.Expiry = now.Add(m.opts.HeartbeatTimeout)
		if now.After(w.JobExpiry) && !w.Canceling {
			m.cancelOnWorker(ctx, w, "job timeout")
		}

	case w.State == types.WorkerStateBusy && hb.State == types.WorkerStateReady:
		// Trust the store, not the heartbeat: only release the worker when
		// its job really finished. Otherwise the status report is in flight.
		job, err := m.store.GetJob(ctx, w.JobID)
		if err == nil && job.State.Terminal() {
			if err := m.store.DeleteBusyWorker(ctx, w.Ident, w.JobID); err != nil {
				m.logger.Error().Err(err).Str("worker", w.Ident).Msg("failed to delete busy worker row")
			}
			m.markReady(w, now)
		}

	default: // ready heartbeat from a ready worker
		w.Expiry = now.Add(m.opts.HeartbeatTimeout)
	}
}

// handleStatus applies a job report from the command channel.
func (m *Manager) handleStatus(ctx context.Context, ident string, job *types.Job) {
	if job == nil {
		return
	}
	w := m.workers[ident]

	if !job.State.Terminal() {
		// Progress report, e.g. the build-started timestamp.
		if err := m.store.UpdateJob(ctx, job); err != nil {
			m.logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to persist job progress")
		}
		return
	}

	if err := m.sched.JobFinished(job); err != nil {
		// Scheduler inbox full; hold the report and retry on the next tick.
		m.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("deferring terminal job report")
		m.unreported = append(m.unreported, job)
		return
	}
	if err := m.store.DeleteBusyWorker(ctx, ident, job.ID); err != nil {
		m.logger.Error().Err(err).Str("worker", ident).Msg("failed to delete busy worker row")
	}
	if w != nil && w.JobID == job.ID {
		m.markReady(w, time.Now())
	}
}

func (m *Manager) retryUnreported() {
	if len(m.unreported) == 0 {
		return
	}
	still := m.unreported[:0]
	for _, job := range m.unreported {
		if err := m.sched.JobFinished(job); err != nil {
			still = append(still, job)
		}
	}
	m.unreported = still
}

func (m *Manager) markReady(w *types.Worker, now time.Time) {
	w.State = types.WorkerStateReady
	w.JobID = 0
	w.JobExpiry = time.Time{}
	w.Canceling = false
	w.Quarantined = false
	w.Expiry = now.Add(m.opts.HeartbeatTimeout)
}

// expireWorkers removes workers whose heartbeats stopped and requeues any
// job they were holding.
func (m *Manager) expireWorkers(ctx context.Context) {
	now := time.Now()
	for ident, w := range m.workers {
		if !now.After(w.Expiry) {
			continue
		}
		if w.JobID != 0 {
			if err := m.store.DeleteBusyWorker(ctx, ident, w.JobID); err != nil {
				m.logger.Error().Err(err).Str("worker", ident).Msg("failed to delete busy worker row")
			}
			if err := m.sched.RequeueJob(w.JobID); err != nil {
				m.logger.Error().Err(err).Int64("job_id", w.JobID).Msg("failed to requeue job of expired worker")
				continue // keep the worker; retry next tick
			}
		}
		if conn, ok := m.conns[ident]; ok {
			conn.Close()
			delete(m.conns, ident)
		}
		delete(m.workers, ident)

		metrics.WorkersExpired.Inc()
		m.logger.Warn().Str("worker", ident).Int64("job_id", w.JobID).Msg("worker heartbeat expired")
		if m.broker != nil {
			m.broker.Publish(events.ForWorker(events.EventWorkerExpired, ident, w.Target, "heartbeat expired"))
		}
	}
}

// expireJobs cancels builds that outran the job timeout. The cancel is sent
// once; the worker stays quarantined until it reports a terminal state.
func (m *Manager) expireJobs(ctx context.Context) {
	now := time.Now()
	for _, w := range m.workers {
		if w.State != types.WorkerStateBusy || w.Canceling || w.JobID == 0 {
			continue
		}
		if now.After(w.JobExpiry) {
			m.cancelOnWorker(ctx, w, "job timeout")
		}
	}
}

// cancelOnWorker sends a single CancelJob and quarantines the assignment.
func (m *Manager) cancelOnWorker(ctx context.Context, w *types.Worker, reason string) {
	if err := m.sendCommand(w.Ident, wire.TagCancelJob, &wire.CancelJob{JobID: w.JobID}); err != nil {
		m.logger.Error().Err(err).Str("worker", w.Ident).Int64("job_id", w.JobID).Msg("failed to send cancel")
		return
	}
	w.Canceling = true
	w.Quarantined = true
	if err := m.store.UpsertBusyWorker(ctx, &types.BusyWorker{
		Ident:       w.Ident,
		JobID:       w.JobID,
		Target:      w.Target,
		Quarantined: true,
	}); err != nil {
		m.logger.Error().Err(err).Str("worker", w.Ident).Msg("failed to quarantine busy worker row")
	}
	m.logger.Warn().Str("worker", w.Ident).Int64("job_id", w.JobID).Str("reason", reason).Msg("job cancel sent")
}

// chaseCancels walks jobs in cancel_pending and delivers the cancel to the
// assigned worker. Workerless jobs settle directly.
func (m *Manager) chaseCancels(ctx context.Context) {
	jobs, err := m.store.ListJobsByState(ctx, types.JobStateCancelPending)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list cancel-pending jobs")
		return
	}
	for _, job := range jobs {
		var holder *types.Worker
		for _, w := range m.workers {
			if w.JobID == job.ID {
				holder = w
				break
			}
		}
		if holder == nil {
			job.State = types.JobStateCancelComplete
			if err := m.sched.JobFinished(job); err != nil {
				m.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("deferring workerless cancel")
				m.unreported = append(m.unreported, job)
			}
			continue
		}
		if !holder.Canceling {
			m.cancelOnWorker(ctx, holder, "group canceled")
		}
	}
}

// assignWork hands ready workers to the scheduler, one dispatch per worker.
func (m *Manager) assignWork(ctx context.Context) {
	for _, target := range m.targets {
		for {
			w := m.readyWorker(target)
			if w == nil {
				break
			}
			job, err := m.sched.WorkNeeded(ctx, target)
			if err != nil {
				m.logger.Error().Err(err).Str("target", string(target)).Msg("work request failed")
				break
			}
			if job == nil {
				break
			}
			m.dispatch(ctx, w, job)
		}
	}
}

func (m *Manager) readyWorker(target types.Target) *types.Worker {
	for _, w := range m.workers {
		if w.State == types.WorkerStateReady && w.Target == target {
			return w
		}
	}
	return nil
}

// dispatch sends StartJob with the project's build instructions and the
// origin's decrypted secrets.
func (m *Manager) dispatch(ctx context.Context, w *types.Worker, job *types.Job) {
	project, err := m.store.GetProject(ctx, job.ProjectName, job.Target)
	if err != nil {
		// The project vanished between planning and dispatch.
		job.State = types.JobStateFailed
		job.Error = &types.JobError{Code: "PROJECT_NOT_FOUND", Message: err.Error()}
		if ferr := m.sched.JobFinished(job); ferr != nil {
			m.unreported = append(m.unreported, job)
		}
		return
	}

	origin := job.ProjectName
	if i := strings.Index(origin, "/"); i > 0 {
		origin = origin[:i]
	}
	secrets := m.originSecrets(ctx, origin)

	now := time.Now()
	job.State = types.JobStateDispatched
	job.WorkerIdent = w.Ident
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to mark job dispatched")
		return
	}
	if err := m.store.UpsertBusyWorker(ctx, &types.BusyWorker{
		Ident:  w.Ident,
		JobID:  job.ID,
		Target: job.Target,
	}); err != nil {
		m.logger.Error().Err(err).Str("worker", w.Ident).Msg("failed to record busy worker")
	}

	start := &wire.StartJob{
		Job:      job,
		PlanPath: project.PlanPath,
		VcsType:  project.VcsType,
		VcsData:  project.VcsData,
		Secrets:  secrets,
		Timeout:  int64(m.opts.JobTimeout.Seconds()),
	}
	if err := m.sendCommand(w.Ident, wire.TagStartJob, start); err != nil {
		// Unreachable worker: give the job back and drop the worker.
		m.logger.Error().Err(err).Str("worker", w.Ident).Int64("job_id", job.ID).Msg("failed to dispatch job")
		if derr := m.store.DeleteBusyWorker(ctx, w.Ident, job.ID); derr != nil {
			m.logger.Error().Err(derr).Str("worker", w.Ident).Msg("failed to delete busy worker row")
		}
		if rerr := m.sched.RequeueJob(job.ID); rerr != nil {
			m.logger.Error().Err(rerr).Int64("job_id", job.ID).Msg("failed to requeue undeliverable job")
		}
		delete(m.workers, w.Ident)
		if conn, ok := m.conns[w.Ident]; ok {
			conn.Close()
			delete(m.conns, w.Ident)
		}
		return
	}

	w.State = types.WorkerStateBusy
	w.JobID = job.ID
	w.JobExpiry = now.Add(m.opts.JobTimeout)
	w.Canceling = false
	w.Quarantined = false

	metrics.JobsDispatched.WithLabelValues(string(job.Target)).Inc()
	m.logger.Info().
		Int64("job_id", job.ID).
		Str("ident", job.Ident).
		Str("worker", w.Ident).
		Msg("job dispatched")
	if m.broker != nil {
		m.broker.Publish(events.ForJob(events.EventJobDispatched, job, "job dispatched"))
	}
}

// originSecrets loads and decrypts the origin's secrets. An origin without
// a key has no secrets; individual decrypt failures are skipped.
func (m *Manager) originSecrets(ctx context.Context, origin string) []*types.DecryptedSecret {
	key, err := m.store.GetOriginSecretKey(ctx, origin)
	if err != nil {
		if !errs.Is(err, errs.KindNotFound) {
			m.logger.Error().Err(err).Str("origin", origin).Msg("failed to load origin secret key")
		}
		return nil
	}
	box, err := security.BoxForOrigin(key)
	if err != nil {
		m.logger.Error().Err(err).Str("origin", origin).Msg("invalid origin secret key")
		return nil
	}
	sealed, err := m.store.ListOriginSecrets(ctx, origin)
	if err != nil {
		m.logger.Error().Err(err).Str("origin", origin).Msg("failed to list origin secrets")
		return nil
	}

	out := make([]*types.DecryptedSecret, 0, len(sealed))
	for _, secret := range sealed {
		opened, err := box.OpenSecret(secret)
		if err != nil {
			m.logger.Warn().Err(err).Str("origin", origin).Str("name", secret.Name).Msg("skipping undecryptable secret")
			continue
		}
		out = append(out, opened)
	}
	return out
}

func (m *Manager) sendCommand(ident string, tag byte, payload any) error {
	conn, ok := m.conns[ident]
	if !ok {
		return errs.Unavailable("worker %s has no command channel", ident)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(commandWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(tag, payload)
}

func (m *Manager) exportGauges() {
	counts := make(map[types.Target]map[types.WorkerState]int)
	for _, w := range m.workers {
		if counts[w.Target] == nil {
			counts[w.Target] = make(map[types.WorkerState]int)
		}
		counts[w.Target][w.State]++
	}
	for _, target := range m.targets {
		for _, state := range []types.WorkerState{types.WorkerStateReady, types.WorkerStateBusy} {
			metrics.WorkersTotal.WithLabelValues(string(state), string(target)).
				Set(float64(counts[target][state]))
		}
	}
}

// ServeHeartbeat accepts heartbeat connections until ctx is canceled.
func (m *Manager) ServeHeartbeat(ctx context.Context, ln net.Listener) error {
	return m.serve(ctx, ln, m.readHeartbeats)
}

// ServeCommand accepts command-channel connections until ctx is canceled.
func (m *Manager) ServeCommand(ctx context.Context, ln net.Listener) error {
	return m.serve(ctx, ln, m.readCommands)
}

func (m *Manager) serve(ctx context.Context, ln net.Listener, handler func(context.Context, *wire.Conn)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handler(ctx, wire.NewConn(nc))
	}
}

func (m *Manager) readHeartbeats(ctx context.Context, conn *wire.Conn) {
	defer conn.Close()
	for {
		tag, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				m.logger.Debug().Err(err).Msg("heartbeat connection closed")
			}
			return
		}
		if tag != wire.TagHeartbeat {
			m.logger.Warn().Str("tag", string(tag)).Msg("unexpected message on heartbeat socket")
			continue
		}
		var hb wire.Heartbeat
		if err := wire.Decode(payload, &hb); err != nil {
			m.logger.Warn().Err(err).Msg("malformed heartbeat")
			continue
		}
		if err := m.send(msgHeartbeat{hb: hb}); err != nil {
			return
		}
	}
}

// readCommands handles one worker's command channel: a Hello, then job
// status reports for the life of the connection.
func (m *Manager) readCommands(ctx context.Context, conn *wire.Conn) {
	tag, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	if tag != wire.TagHello {
		m.logger.Warn().Str("tag", string(tag)).Msg("command channel did not open with hello")
		conn.Close()
		return
	}
	var hello wire.Hello
	if err := wire.Decode(payload, &hello); err != nil {
		m.logger.Warn().Err(err).Msg("malformed hello")
		conn.Close()
		return
	}
	if err := m.send(msgConnected{hello: hello, conn: conn}); err != nil {
		conn.Close()
		return
	}

	for {
		tag, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				m.logger.Debug().Err(err).Str("worker", hello.Ident).Msg("command channel closed")
			}
			m.send(msgDisconnected{ident: hello.Ident, conn: conn})
			return
		}
		if tag != wire.TagJobStatus {
			m.logger.Warn().Str("tag", string(tag)).Str("worker", hello.Ident).Msg("unexpected message on command channel")
			continue
		}
		var status wire.JobStatus
		if err := wire.Decode(payload, &status); err != nil {
			m.logger.Warn().Err(err).Str("worker", hello.Ident).Msg("malformed job status")
			continue
		}
		if err := m.send(msgJobStatus{ident: hello.Ident, job: status.Job}); err != nil {
			return
		}
	}
}
