// Package scheduler drives job groups through their lifecycle. A single
// actor goroutine owns every state transition; other components talk to it
// through a bounded inbox, so the store sees one writer for scheduling
// decisions and no transition ever races another.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
)

type message interface{ scheduler() }

type msgGroupAdded struct {
	groupID int64
	target  types.Target
}

type workReply struct {
	job *types.Job
	err error
}

type msgWorkNeeded struct {
	target types.Target
	reply  chan workReply
}

type msgJobFinished struct {
	job *types.Job
}

type msgRequeueJob struct {
	jobID int64
}

type msgCancelGroup struct {
	groupID   int64
	trigger   types.Trigger
	requester string
	reply     chan error
}

type msgPing struct {
	reply chan struct{}
}

func (msgGroupAdded) scheduler()  {}
func (msgWorkNeeded) scheduler()  {}
func (msgJobFinished) scheduler() {}
func (msgRequeueJob) scheduler()  {}
func (msgCancelGroup) scheduler() {}
func (msgPing) scheduler()        {}

// Scheduler is the group lifecycle actor.
type Scheduler struct {
	store   storage.Store
	broker  *events.Broker
	targets []types.Target
	tick    time.Duration

	inbox  chan message
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// New creates a scheduler for the configured build targets. queueDepth
// bounds the inbox; senders see UNAVAILABLE when it is full.
func New(store storage.Store, broker *events.Broker, targets []types.Target, tick time.Duration, queueDepth int) *Scheduler {
	return &Scheduler{
		store:   store,
		broker:  broker,
		targets: targets,
		tick:    tick,
		inbox:   make(chan message, queueDepth),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  log.WithComponent("scheduler"),
	}
}

// Start begins the actor loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the actor and waits for the loop to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// send enqueues without blocking. A full inbox sheds the message so RPC
// callers fail fast instead of piling up.
func (s *Scheduler) send(msg message) error {
	select {
	case s.inbox <- msg:
		metrics.SchedulerInboxDepth.Set(float64(len(s.inbox)))
		return nil
	case <-s.stopCh:
		return errs.Unavailable("scheduler is shutting down")
	default:
		metrics.SchedulerRejected.Inc()
		return errs.Unavailable("scheduler inbox full")
	}
}

// GroupAdded tells the scheduler a new group was persisted so it can try
// promotion before the next tick.
func (s *Scheduler) GroupAdded(groupID int64, target types.Target) error {
	return s.send(msgGroupAdded{groupID: groupID, target: target})
}

// WorkNeeded asks for the next ready entry's job on the target. Returns
// (nil, nil) when nothing is ready.
func (s *Scheduler) WorkNeeded(ctx context.Context, target types.Target) (*types.Job, error) {
	reply := make(chan workReply, 1)
	if err := s.send(msgWorkNeeded{target: target, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.job, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopCh:
		return nil, errs.Unavailable("scheduler is shutting down")
	}
}

// JobFinished reports a terminal job status from a worker. The job carries
// the final state, as-built ident, error, and build timestamps.
func (s *Scheduler) JobFinished(job *types.Job) error {
	return s.send(msgJobFinished{job: job})
}

// RequeueJob puts a dispatched job back in line after its worker was lost.
func (s *Scheduler) RequeueJob(jobID int64) error {
	return s.send(msgRequeueJob{jobID: jobID})
}

// CancelGroup cancels a group: idle entries settle immediately, running jobs
// move to cancel_pending for the worker manager to chase.
func (s *Scheduler) CancelGroup(ctx context.Context, groupID int64, trigger types.Trigger, requester string) error {
	reply := make(chan error, 1)
	if err := s.send(msgCancelGroup{groupID: groupID, trigger: trigger, requester: requester, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return errs.Unavailable("scheduler is shutting down")
	}
}

// Ping round-trips a message through the actor loop.
func (s *Scheduler) Ping(ctx context.Context) error {
	reply := make(chan struct{})
	if err := s.send(msgPing{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return errs.Unavailable("scheduler is shutting down")
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	ctx := context.Background()
	s.tickOnce(ctx)

	for {
		select {
		case msg := <-s.inbox:
			metrics.SchedulerInboxDepth.Set(float64(len(s.inbox)))
			s.handle(ctx, msg)
		case <-ticker.C:
			s.tickOnce(ctx)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case msgGroupAdded:
		s.promoteGroups(ctx, m.target)
		s.startDispatch(ctx, m.target)
	case msgWorkNeeded:
		job, err := s.assign(ctx, m.target)
		m.reply <- workReply{job: job, err: err}
	case msgJobFinished:
		s.finishJob(ctx, m.job)
	case msgRequeueJob:
		s.requeue(ctx, m.jobID)
	case msgCancelGroup:
		m.reply <- s.cancelGroup(ctx, m.groupID, m.trigger, m.requester)
	case msgPing:
		close(m.reply)
	}
}

// tickOnce drives promotion, dispatch start, and the terminal-group
// watchdog. The state gauges are owned by metrics.Collector, not the tick.
func (s *Scheduler) tickOnce(ctx context.Context) {
	timer := metrics.NewTimer()
	for _, target := range s.targets {
		s.promoteGroups(ctx, target)
		s.startDispatch(ctx, target)
	}
	s.settleDispatching(ctx)
	timer.ObserveDuration(metrics.SchedulerTickDuration)
}

// promoteGroups moves queued groups to pending, one per project at a time:
// a project with a group already in pending or dispatching keeps later
// groups queued.
func (s *Scheduler) promoteGroups(ctx context.Context, target types.Target) {
	queued, err := s.store.ListGroupsByState(ctx, target, types.GroupStateQueued)
	if err != nil {
		s.logger.Error().Err(err).Str("target", string(target)).Msg("failed to list queued groups")
		return
	}
	for _, g := range queued {
		active, err := s.store.HasActiveGroup(ctx, g.ProjectName, target)
		if err != nil {
			s.logger.Error().Err(err).Int64("group_id", g.ID).Msg("failed to check active groups")
			continue
		}
		if active {
			continue
		}
		if err := s.store.SetGroupState(ctx, g.ID, types.GroupStatePending); err != nil {
			s.logger.Error().Err(err).Int64("group_id", g.ID).Msg("failed to promote group")
			continue
		}
		s.logger.Debug().Int64("group_id", g.ID).Str("project", g.ProjectName).Msg("group promoted")
	}
}

// startDispatch takes at most one pending group per target and opens its
// entries for assignment.
func (s *Scheduler) startDispatch(ctx context.Context, target types.Target) {
	g, err := s.store.TakeNextPendingGroup(ctx, target)
	if err != nil {
		s.logger.Error().Err(err).Str("target", string(target)).Msg("failed to take pending group")
		return
	}
	if g == nil {
		return
	}
	if err := s.store.DispatchGroupEntries(ctx, g.ID); err != nil {
		s.logger.Error().Err(err).Int64("group_id", g.ID).Msg("failed to dispatch group entries")
		return
	}
	s.logger.Info().Int64("group_id", g.ID).Str("project", g.ProjectName).Msg("group dispatching")
	if s.broker != nil {
		s.broker.Publish(events.ForGroup(events.EventGroupDispatching, g, "group dispatching"))
	}
}

// assign hands out the next ready entry as a job. Entries keep their job row
// across requeues, so a previously dispatched entry reuses its job.
func (s *Scheduler) assign(ctx context.Context, target types.Target) (*types.Job, error) {
	entry, err := s.store.TakeNextReadyEntry(ctx, target)
	if err != nil || entry == nil {
		return nil, err
	}

	if entry.JobID != 0 {
		job, err := s.store.GetJob(ctx, entry.JobID)
		if err != nil {
			return nil, err
		}
		job.State = types.JobStatePending
		job.WorkerIdent = ""
		return job, nil
	}

	job := &types.Job{
		EntryID:     entry.ID,
		GroupID:     entry.GroupID,
		State:       types.JobStatePending,
		ProjectName: entry.ProjectName,
		Ident:       entry.Ident,
		Target:      target,
		// Every job in a group publishes to the group's staging channel.
		Channel: fmt.Sprintf("bldr-%d", entry.GroupID),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.store.SetEntryJob(ctx, entry.ID, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// finishJob applies a terminal job report: persist the job, settle its
// entry, cascade through the group, and close the group when drained.
func (s *Scheduler) finishJob(ctx context.Context, job *types.Job) {
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to persist finished job")
		return
	}

	switch job.State {
	case types.JobStateComplete:
		promoted, err := s.store.MarkEntryComplete(ctx, job.EntryID, job.AsBuilt)
		if err != nil {
			s.logger.Error().Err(err).Int64("entry_id", job.EntryID).Msg("failed to complete entry")
			return
		}
		metrics.JobsCompleted.WithLabelValues("complete").Inc()
		s.observeDuration(job)
		s.logger.Info().
			Int64("job_id", job.ID).
			Str("ident", job.AsBuilt).
			Int("promoted", len(promoted)).
			Msg("job complete")
		if s.broker != nil {
			s.broker.Publish(events.ForJob(events.EventJobComplete, job, "job complete"))
		}
	case types.JobStateFailed:
		cascaded, err := s.store.MarkEntryFailed(ctx, job.EntryID)
		if err != nil {
			s.logger.Error().Err(err).Int64("entry_id", job.EntryID).Msg("failed to fail entry")
			return
		}
		metrics.JobsCompleted.WithLabelValues("failed").Inc()
		s.observeDuration(job)
		logEvent := s.logger.Warn().Int64("job_id", job.ID).Int("dependency_failed", len(cascaded))
		if job.Error != nil {
			logEvent = logEvent.Str("code", job.Error.Code).Str("error", job.Error.Message)
		}
		logEvent.Msg("job failed")
		if s.broker != nil {
			s.broker.Publish(events.ForJob(events.EventJobFailed, job, "job failed"))
		}
	case types.JobStateCancelComplete:
		if err := s.store.SetEntryState(ctx, job.EntryID, types.EntryStateCancelComplete); err != nil {
			s.logger.Error().Err(err).Int64("entry_id", job.EntryID).Msg("failed to settle canceled entry")
			return
		}
		metrics.JobsCompleted.WithLabelValues("canceled").Inc()
		s.logger.Info().Int64("job_id", job.ID).Msg("job cancel acknowledged")
		if s.broker != nil {
			s.broker.Publish(events.ForJob(events.EventJobCanceled, job, "job canceled"))
		}
	default:
		s.logger.Warn().Int64("job_id", job.ID).Str("state", string(job.State)).Msg("non-terminal job report ignored")
		return
	}

	s.finalizeGroup(ctx, job.GroupID)
}

func (s *Scheduler) observeDuration(job *types.Job) {
	if job.BuildStartedAt == nil || job.BuildFinishedAt == nil {
		return
	}
	metrics.JobDuration.WithLabelValues(string(job.Target)).
		Observe(job.BuildFinishedAt.Sub(*job.BuildStartedAt).Seconds())
}

// finalizeGroup closes a group once every entry is terminal: canceled when
// any entry was canceled, failed when any build failed, complete otherwise.
func (s *Scheduler) finalizeGroup(ctx context.Context, groupID int64) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		s.logger.Error().Err(err).Int64("group_id", groupID).Msg("failed to load group for finalize")
		return
	}
	if group.State.Terminal() {
		return
	}

	counts, err := s.store.CountGroupEntryStates(ctx, groupID)
	if err != nil {
		s.logger.Error().Err(err).Int64("group_id", groupID).Msg("failed to count entry states")
		return
	}
	for state, n := range counts {
		if n > 0 && !state.Terminal() {
			return
		}
	}

	final := types.GroupStateComplete
	event := events.EventGroupComplete
	switch {
	case counts[types.EntryStateCancelComplete] > 0:
		final = types.GroupStateCanceled
		event = events.EventGroupCanceled
	case counts[types.EntryStateJobFailed] > 0 || counts[types.EntryStateDependencyFailed] > 0:
		final = types.GroupStateFailed
		event = events.EventGroupFailed
	}

	if err := s.store.SetGroupState(ctx, groupID, final); err != nil {
		s.logger.Error().Err(err).Int64("group_id", groupID).Msg("failed to finalize group")
		return
	}
	s.logger.Info().Int64("group_id", groupID).Str("state", string(final)).Msg("group finished")
	if s.broker != nil {
		group.State = final
		s.broker.Publish(events.ForGroup(event, group, "group "+string(final)))
	}
}

// settleDispatching is the tick watchdog: it closes any dispatching group
// whose entries all went terminal while a finish report was lost.
func (s *Scheduler) settleDispatching(ctx context.Context) {
	for _, target := range s.targets {
		groups, err := s.store.ListGroupsByState(ctx, target, types.GroupStateDispatching)
		if err != nil {
			s.logger.Error().Err(err).Str("target", string(target)).Msg("failed to list dispatching groups")
			continue
		}
		for _, g := range groups {
			s.finalizeGroup(ctx, g.ID)
		}
	}
}

// requeue puts a job back in line after its worker disappeared. The entry
// returns to ready keeping its job row, so the next assignment reuses it.
func (s *Scheduler) requeue(ctx context.Context, jobID int64) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error().Err(err).Int64("job_id", jobID).Msg("failed to load job for requeue")
		return
	}
	if job.State.Terminal() {
		return
	}

	job.State = types.JobStatePending
	job.WorkerIdent = ""
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Int64("job_id", jobID).Msg("failed to requeue job")
		return
	}
	if err := s.store.SetEntryState(ctx, job.EntryID, types.EntryStateReady); err != nil {
		s.logger.Error().Err(err).Int64("entry_id", job.EntryID).Msg("failed to reset entry for requeue")
		return
	}

	metrics.JobsRequeued.Inc()
	s.logger.Warn().Int64("job_id", jobID).Str("ident", job.Ident).Msg("job requeued")
	if s.broker != nil {
		s.broker.Publish(events.ForJob(events.EventJobRequeued, job, "job requeued after worker loss"))
	}
}

// cancelGroup settles idle entries immediately and flags running jobs for
// the worker manager. The group closes now when nothing is running, or when
// the last cancel acknowledgment arrives.
func (s *Scheduler) cancelGroup(ctx context.Context, groupID int64, trigger types.Trigger, requester string) error {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.State.Terminal() {
		return errs.Conflict("group %d is already %s", groupID, group.State)
	}

	running, err := s.store.CancelGroupEntries(ctx, groupID)
	if err != nil {
		return err
	}
	for _, entry := range running {
		if entry.JobID == 0 {
			// Running without a job row: the assignment never completed.
			if err := s.store.SetEntryState(ctx, entry.ID, types.EntryStateCancelComplete); err != nil {
				return err
			}
			continue
		}
		job, err := s.store.GetJob(ctx, entry.JobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			continue
		}
		job.State = types.JobStateCancelPending
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}

	audit := &types.GroupAudit{
		GroupID:   groupID,
		Operation: types.OperationCancel,
		Trigger:   trigger,
		Requester: requester,
	}
	if err := s.store.CreateGroupAudit(ctx, audit); err != nil {
		return err
	}

	s.logger.Info().
		Int64("group_id", groupID).
		Int("running", len(running)).
		Str("requester", requester).
		Msg("group cancel requested")
	if s.broker != nil {
		s.broker.Publish(events.ForGroup(events.EventGroupCanceled, group, "group cancel requested"))
	}

	s.finalizeGroup(ctx, groupID)
	return nil
}
