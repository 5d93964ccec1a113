package storage

import (
	"context"

	"github.com/cuemby/foundry/pkg/types"
)

// Store defines the interface for build orchestration state.
// Implemented by PostgresStore (production) and BoltStore (dev mode).
type Store interface {
	// Groups
	CreateGroup(ctx context.Context, group *types.Group, entries []*types.JobGraphEntry) error
	GetGroup(ctx context.Context, id int64) (*types.Group, error)
	ListGroupsByOrigin(ctx context.Context, origin string, limit int) ([]*types.Group, error)
	ListGroupsByState(ctx context.Context, target types.Target, state types.GroupState) ([]*types.Group, error)
	SetGroupState(ctx context.Context, id int64, state types.GroupState) error
	// TakeNextPendingGroup atomically moves the oldest pending group for the
	// target to dispatching and returns it, or nil when none is pending.
	TakeNextPendingGroup(ctx context.Context, target types.Target) (*types.Group, error)
	// HasActiveGroup reports whether any group for the project and target is
	// in pending or dispatching. Queued groups stay queued while it is true.
	HasActiveGroup(ctx context.Context, projectName string, target types.Target) (bool, error)
	GroupCounts(ctx context.Context) (map[types.GroupState]int, error)

	// Job-graph entries
	GetEntry(ctx context.Context, id int64) (*types.JobGraphEntry, error)
	ListGroupEntries(ctx context.Context, groupID int64) ([]*types.JobGraphEntry, error)
	ListGroupEntriesByState(ctx context.Context, groupID int64, state types.EntryState) ([]*types.JobGraphEntry, error)
	CountGroupEntryStates(ctx context.Context, groupID int64) (map[types.EntryState]int, error)
	// DispatchGroupEntries moves every pending entry of the group to
	// waiting_on_dependency, then promotes those with no unfinished
	// dependencies to ready. One transaction.
	DispatchGroupEntries(ctx context.Context, groupID int64) error
	// MarkEntryComplete records a successful build and decrements the waiting
	// count on direct dependents, promoting any that reach zero to ready.
	// Returns the ids promoted. One transaction.
	MarkEntryComplete(ctx context.Context, id int64, asBuilt string) ([]int64, error)
	// MarkEntryFailed records a failed build and floods dependency_failed
	// through the entry's transitive in-group dependents. Returns the ids
	// cascaded. One transaction.
	MarkEntryFailed(ctx context.Context, id int64) ([]int64, error)
	SetEntryState(ctx context.Context, id int64, state types.EntryState) error
	SetEntryJob(ctx context.Context, id, jobID int64) error
	// TakeNextReadyEntry atomically moves the oldest ready entry for the
	// target to running, ordered by (group_id, created_at, id), or returns
	// nil when none is ready.
	TakeNextReadyEntry(ctx context.Context, target types.Target) (*types.JobGraphEntry, error)
	CountReadyEntries(ctx context.Context, target types.Target) (int, error)
	// EntryRdeps returns the transitive in-group dependents of an entry.
	EntryRdeps(ctx context.Context, id int64) ([]*types.JobGraphEntry, error)
	// CancelGroupEntries moves idle entries (pending, waiting_on_dependency,
	// ready) to cancel_complete and running entries to cancel_pending, in one
	// transaction. Returns the entries now in cancel_pending, the ones whose
	// jobs still need canceling on a worker.
	CancelGroupEntries(ctx context.Context, groupID int64) ([]*types.JobGraphEntry, error)
	EntryCounts(ctx context.Context) (map[types.Target]map[types.EntryState]int, error)

	// Jobs
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id int64) (*types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job) error
	ListJobsByState(ctx context.Context, state types.JobState) ([]*types.Job, error)
	ListJobsByProject(ctx context.Context, projectName string, page, limit int) ([]*types.Job, error)
	MarkJobArchived(ctx context.Context, id int64) error

	// Busy workers
	ListBusyWorkers(ctx context.Context) ([]*types.BusyWorker, error)
	UpsertBusyWorker(ctx context.Context, bw *types.BusyWorker) error
	DeleteBusyWorker(ctx context.Context, ident string, jobID int64) error

	// Packages
	CreatePackage(ctx context.Context, rec *types.PackageRecord) error
	GetPackage(ctx context.Context, ident types.PackageIdent, target types.Target) (*types.PackageRecord, error)
	ListPackages(ctx context.Context, target types.Target) ([]*types.PackageRecord, error)

	// Channels
	CreateChannel(ctx context.Context, origin, name string) (*types.Channel, error)
	GetChannel(ctx context.Context, origin, name string) (*types.Channel, error)
	DeleteChannel(ctx context.Context, origin, name string) error
	ListChannels(ctx context.Context, origin string) ([]*types.Channel, error)
	// PromotePackage adds a package to a channel and writes the audit row in
	// the same transaction. Promoting an already-promoted package is a no-op
	// for membership but still audited.
	PromotePackage(ctx context.Context, origin, channel, ident string, trigger types.Trigger, requester string) error
	DemotePackage(ctx context.Context, origin, channel, ident string, trigger types.Trigger, requester string) error
	// ListChannelPackages returns member idents whose visibility is in vis.
	ListChannelPackages(ctx context.Context, origin, channel string, vis []types.Visibility, page, limit int) ([]string, error)

	// Audit
	CreateGroupAudit(ctx context.Context, audit *types.GroupAudit) error

	// Project registry
	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, name string, target types.Target) (*types.Project, error)
	UpdateProject(ctx context.Context, project *types.Project) error
	DeleteProject(ctx context.Context, name string, target types.Target) error
	ListProjects(ctx context.Context, target types.Target) ([]*types.Project, error)

	// Origin secrets
	GetOriginSecretKey(ctx context.Context, origin string) (*types.OriginSecretKey, error)
	UpsertOriginSecretKey(ctx context.Context, key *types.OriginSecretKey) error
	ListOriginSecrets(ctx context.Context, origin string) ([]*types.OriginSecret, error)
	UpsertOriginSecret(ctx context.Context, secret *types.OriginSecret) error

	// Utility
	Ping(ctx context.Context) error
	Close() error
}

// ReservedChannels cannot be created or deleted through the channel API.
var ReservedChannels = map[string]bool{
	"stable":   true,
	"unstable": true,
}
