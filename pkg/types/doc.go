/*
Package types defines the core data structures used throughout Foundry.

This package contains the fundamental types that represent Foundry's domain
model: package identities, build targets, job groups, job-graph entries,
jobs, workers, channels, projects, and origin secrets. These types are used
by all other packages for state management, RPC payloads, and orchestration
logic.

# Architecture

The types package is the foundation of Foundry's data model. It defines:

  - Package identity (origin/name/version/release) and ordering
  - Build targets (platform triples) and the known-target set
  - Job group lifecycle and per-entry execution state
  - Dispatchable jobs and their structured errors
  - Worker registration state (in-memory and persisted)
  - Release channels and audit records
  - Project registry rows (plan location, VCS coordinates)
  - Origin secret keys and sealed secret values

# Core Types

Identity:
  - PackageIdent: origin/name[/version[/release]], parsed and rendered in
    path form. Short() is the origin/name prefix the dependency graph
    indexes by; Newer() orders two builds of the same package.
  - Target: typed platform string; KnownTargets is the closed set.

Scheduling:
  - Group: one scheduled build run against a target
  - JobGraphEntry: one planned package build inside a group, with in-group
    dependency ids and a waiting-on counter
  - Job: the dispatched unit of work; one job per entry, reused on requeue
  - Worker / BusyWorker: live worker table entry and its persisted shadow

Distribution:
  - Channel: named release stream within an origin
  - ChannelAudit / GroupAudit: immutable operation records
  - PackageRecord: graph-visible package with runtime and build deps

Configuration of builds:
  - Project: registered plan (origin/name -> repository + plan path)
  - OriginSecretKey / OriginSecret / DecryptedSecret: sealed build secrets

# State Machines

Groups:

	queued -> pending -> dispatching -> complete
	                                 -> failed
	  (any non-terminal) ------------> canceled

Job-graph entries:

	pending -> waiting_on_dependency -> ready -> running -> complete
	                                                     -> job_failed
	  waiting_on_dependency ---------------------------> dependency_failed
	  (any non-terminal) -> cancel_pending -> cancel_complete

Jobs:

	pending -> dispatched -> complete | failed
	  dispatched -> pending                  (requeue after worker loss)
	  dispatched -> cancel_pending -> cancel_complete

A group reaches a terminal state exactly when every entry in it is
terminal. Entry counts are conserved: entries are never added to or removed
from a group after planning.

# Usage

Parsing an ident:

	ident, err := types.ParseIdent("core/openssl/3.0.7/20230210152345")
	if err != nil {
		return err
	}
	fmt.Println(ident.Short()) // "core/openssl"

Checking lifecycle state:

	if group.State.Terminal() {
		return errs.Conflict("group %d already terminal", group.ID)
	}

# Design Patterns

Enumeration pattern: all enums are typed string constants, so values are
readable in logs, JSON payloads, and database rows without translation.

Zero values: optional references use the zero value (JobID == 0 means "not
yet dispatched"); optional timestamps use pointers so persistence layers
can represent NULL.

# Thread Safety

Types in this package are plain data. They can be read concurrently but
mutations must be synchronized by their owners: the scheduler and worker
manager actors own all state transitions, and the storage layer owns
persisted copies.

# See Also

  - pkg/graph for the dependency graph these idents feed
  - pkg/storage for persistence of groups, entries, jobs, and channels
  - pkg/scheduler and pkg/workermgr for the state machines in motion
*/
package types
