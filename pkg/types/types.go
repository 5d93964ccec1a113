package types

import (
	"fmt"
	"time"
)

// Target identifies the platform a package is built for.
type Target string

const (
	TargetLinux        Target = "x86_64-linux"
	TargetLinuxKernel2 Target = "x86_64-linux-kernel2"
	TargetWindows      Target = "x86_64-windows"
	TargetAarch64Linux Target = "aarch64-linux"
)

// KnownTargets is the closed set of platforms the service understands.
// The configured build targets (config.Config.BuildTargets) are the subset
// that may actually be scheduled.
var KnownTargets = []Target{
	TargetLinux,
	TargetLinuxKernel2,
	TargetWindows,
	TargetAarch64Linux,
}

// ParseTarget validates a platform string against the known set.
func ParseTarget(s string) (Target, error) {
	for _, t := range KnownTargets {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown target: %q", s)
}

// GroupState represents the lifecycle state of a job group.
type GroupState string

const (
	GroupStateQueued      GroupState = "queued"
	GroupStatePending     GroupState = "pending"
	GroupStateDispatching GroupState = "dispatching"
	GroupStateComplete    GroupState = "complete"
	GroupStateFailed      GroupState = "failed"
	GroupStateCanceled    GroupState = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s GroupState) Terminal() bool {
	switch s {
	case GroupStateComplete, GroupStateFailed, GroupStateCanceled:
		return true
	}
	return false
}

// EntryState represents the execution state of a job-graph entry.
type EntryState string

const (
	EntryStatePending          EntryState = "pending"
	EntryStateWaitingOnDep     EntryState = "waiting_on_dependency"
	EntryStateReady            EntryState = "ready"
	EntryStateRunning          EntryState = "running"
	EntryStateComplete         EntryState = "complete"
	EntryStateJobFailed        EntryState = "job_failed"
	EntryStateDependencyFailed EntryState = "dependency_failed"
	EntryStateCancelPending    EntryState = "cancel_pending"
	EntryStateCancelComplete   EntryState = "cancel_complete"
)

// Terminal reports whether the entry can no longer change state.
func (s EntryState) Terminal() bool {
	switch s {
	case EntryStateComplete, EntryStateJobFailed, EntryStateDependencyFailed, EntryStateCancelComplete:
		return true
	}
	return false
}

// JobState represents the dispatch state of a job row.
type JobState string

const (
	JobStatePending        JobState = "pending"
	JobStateDispatched     JobState = "dispatched"
	JobStateComplete       JobState = "complete"
	JobStateFailed         JobState = "failed"
	JobStateCancelPending  JobState = "cancel_pending"
	JobStateCancelComplete JobState = "cancel_complete"
)

// Terminal reports whether the job has finished for good.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateComplete, JobStateFailed, JobStateCancelComplete:
		return true
	}
	return false
}

// Group is a scheduled build of one or more packages against a target.
type Group struct {
	ID          int64      `json:"id" db:"id"`
	State       GroupState `json:"state" db:"state"`
	ProjectName string     `json:"project_name" db:"project_name"` // root origin/name
	Target      Target     `json:"target" db:"target"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// JobGraphEntry is one planned build inside a group. Dependencies reference
// other entry ids in the same group; WaitingOn counts the unfinished ones.
type JobGraphEntry struct {
	ID           int64      `json:"id" db:"id"`
	GroupID      int64      `json:"group_id" db:"group_id"`
	ProjectName  string     `json:"project_name" db:"project_name"`
	Ident        string     `json:"ident" db:"ident"` // plan ident at planning time
	Target       Target     `json:"target" db:"target"`
	State        EntryState `json:"state" db:"state"`
	Dependencies []int64    `json:"dependencies" db:"-"`
	WaitingOn    int        `json:"waiting_on" db:"waiting_on"`
	JobID        int64      `json:"job_id,omitempty" db:"job_id"` // set on first dispatch
	AsBuilt      string     `json:"as_built,omitempty" db:"as_built"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// JobError carries the structured failure reported by a worker.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is a dispatched unit of work. Exactly one job exists per entry once
// dispatched; requeues reuse the row.
type Job struct {
	ID              int64      `json:"id" db:"id"`
	EntryID         int64      `json:"entry_id" db:"entry_id"`
	GroupID         int64      `json:"group_id" db:"group_id"`
	State           JobState   `json:"state" db:"state"`
	ProjectName     string     `json:"project_name" db:"project_name"`
	Ident           string     `json:"ident" db:"ident"`
	Target          Target     `json:"target" db:"target"`
	Channel         string     `json:"channel,omitempty" db:"channel"` // channel the build publishes to
	WorkerIdent     string     `json:"worker_ident,omitempty" db:"worker_ident"`
	AsBuilt         string     `json:"as_built,omitempty" db:"as_built"`
	Error           *JobError  `json:"error,omitempty" db:"-"`
	Archived        bool       `json:"archived" db:"archived"`
	BuildStartedAt  *time.Time `json:"build_started_at,omitempty" db:"build_started_at"`
	BuildFinishedAt *time.Time `json:"build_finished_at,omitempty" db:"build_finished_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// WorkerState is the advertised state in a heartbeat.
type WorkerState string

const (
	WorkerStateReady WorkerState = "ready"
	WorkerStateBusy  WorkerState = "busy"
)

// Worker is the in-memory view of a remote build worker. It lives in the
// worker manager's table and is rebuilt from heartbeats after a restart.
type Worker struct {
	Ident       string      `json:"ident"`
	Target      Target      `json:"target"`
	OS          string      `json:"os"`
	State       WorkerState `json:"state"`
	JobID       int64       `json:"job_id,omitempty"`
	Expiry      time.Time   `json:"expiry"`
	JobExpiry   time.Time   `json:"job_expiry,omitempty"`
	Canceling   bool        `json:"canceling"`
	Quarantined bool        `json:"quarantined"`
}

// BusyWorker is the persisted record of a dispatched assignment. It survives
// restarts so recovery can re-adopt live workers and requeue orphans.
type BusyWorker struct {
	Ident       string    `json:"ident" db:"ident"`
	JobID       int64     `json:"job_id" db:"job_id"`
	Target      Target    `json:"target" db:"target"`
	Quarantined bool      `json:"quarantined" db:"quarantined"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Visibility controls who may see a package through list reads.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityHidden  Visibility = "hidden"
)

// PackageRecord is a package known to the dependency graph. Deps and
// BuildDeps hold fully qualified idents.
type PackageRecord struct {
	Ident      PackageIdent   `json:"ident"`
	Target     Target         `json:"target"`
	Checksum   string         `json:"checksum,omitempty"`
	Manifest   string         `json:"manifest,omitempty"` // rendered plan manifest, stored verbatim
	Deps       []PackageIdent `json:"deps"`
	BuildDeps  []PackageIdent `json:"build_deps"`
	Visibility Visibility     `json:"visibility"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Channel is a named release stream within an origin.
type Channel struct {
	ID        int64     `json:"id" db:"id"`
	Origin    string    `json:"origin" db:"origin"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Operation names an audited action.
type Operation string

const (
	OperationPromote Operation = "promote"
	OperationDemote  Operation = "demote"
	OperationCancel  Operation = "cancel"
)

// Trigger records what initiated an audited action.
type Trigger string

const (
	TriggerUnknown   Trigger = "unknown"
	TriggerManual    Trigger = "manual"
	TriggerWebhook   Trigger = "webhook"
	TriggerUpload    Trigger = "upload"
	TriggerScheduler Trigger = "scheduler"
)

// ChannelAudit is the immutable record of a promote or demote.
type ChannelAudit struct {
	ID        int64     `json:"id" db:"id"`
	Origin    string    `json:"origin" db:"origin"`
	Channel   string    `json:"channel" db:"channel"`
	Operation Operation `json:"operation" db:"operation"`
	Ident     string    `json:"ident" db:"ident"`
	Trigger   Trigger   `json:"trigger" db:"trigger"`
	Requester string    `json:"requester" db:"requester"`
	GroupID   int64     `json:"group_id,omitempty" db:"group_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GroupAudit is the immutable record of a group-level action (cancel).
type GroupAudit struct {
	ID        int64     `json:"id" db:"id"`
	GroupID   int64     `json:"group_id" db:"group_id"`
	Operation Operation `json:"operation" db:"operation"`
	Trigger   Trigger   `json:"trigger" db:"trigger"`
	Requester string    `json:"requester" db:"requester"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Project is a registered buildable plan: the link between a package name
// and the repository holding its plan file.
type Project struct {
	ID                int64     `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"` // origin/name
	Origin            string    `json:"origin" db:"origin"`
	Target            Target    `json:"target" db:"target"`
	PlanPath          string    `json:"plan_path" db:"plan_path"`
	VcsType           string    `json:"vcs_type" db:"vcs_type"`
	VcsData           string    `json:"vcs_data" db:"vcs_data"` // clone URL
	VcsInstallationID int64     `json:"vcs_installation_id,omitempty" db:"vcs_installation_id"`
	AutoBuild         bool      `json:"auto_build" db:"auto_build"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// OriginSecretKey is the per-origin symmetric key used to seal secrets.
// Body is the base64-encoded 32-byte key.
type OriginSecretKey struct {
	ID        int64     `json:"id" db:"id"`
	Origin    string    `json:"origin" db:"origin"`
	Revision  string    `json:"revision" db:"revision"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// OriginSecret is a sealed name/value pair delivered to workers at dispatch.
// Value is base64(nonce || ciphertext) under the origin's key.
type OriginSecret struct {
	ID        int64     `json:"id" db:"id"`
	Origin    string    `json:"origin" db:"origin"`
	Name      string    `json:"name" db:"name"`
	Value     string    `json:"value" db:"value"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DecryptedSecret is what a worker actually receives.
type DecryptedSecret struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
