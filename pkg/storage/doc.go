/*
Package storage provides the persistent store behind Foundry's scheduler,
planner, and worker manager.

The Store interface is implemented twice:

  - PostgresStore: the production store. sqlx over the pgx stdlib driver,
    schema managed by embedded goose migrations, recursive CTEs for the
    in-group dependency walks, and FOR UPDATE SKIP LOCKED take-next
    operations so multiple connections never hand out the same entry.
  - BoltStore: an embedded bbolt store for single-binary development mode
    and for semantics tests. One bucket per entity, JSON values, monotonic
    ids from bucket sequences. Multi-row transitions run inside a single
    db.Update so the scheduling invariants hold identically on both stores.

The store is the single source of truth; in-process caches are advisory.
Every multi-row state transition — mark-complete with its waiting-count
cascade, mark-failed with its dependency-failed flood, group dispatch,
channel promote with its audit row — happens inside one transaction.

# Scheduling invariants enforced here

  - An entry reaches ready only when its waiting count is zero.
  - TakeNextReadyEntry hands out entries ordered by (group_id, created_at,
    id), so an active group drains before a newer one starts.
  - TakeNextPendingGroup moves exactly one group to dispatching per call.
  - A busy-worker row is unique per (ident, job_id).

# Error translation

Driver-level misses and uniqueness violations never escape raw: sql.ErrNoRows
and absent bolt keys become errs.NotFound, Postgres unique_violation and bolt
duplicate-key checks become errs.Conflict.
*/
package storage
