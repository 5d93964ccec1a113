package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/types"
)

const entryColumns = `id, group_id, project_name, ident, target, state, waiting_on, job_id, as_built, created_at, updated_at`

const jobColumns = `id, entry_id, group_id, state, project_name, ident, target, channel, worker_ident, as_built, error, archived, build_started_at, build_finished_at, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL via sqlx over the pgx stdlib
// driver. Take-next operations use FOR UPDATE SKIP LOCKED so concurrent
// connections never hand out the same row.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection pool against dsn.
func NewPostgresStore(dsn string, maxConns int) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// DB exposes the raw handle for migrations.
func (s *PostgresStore) DB() *sql.DB { return s.db.DB }

// Close closes the pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Group operations

func (s *PostgresStore) CreateGroup(ctx context.Context, group *types.Group, entries []*types.JobGraphEntry) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO groups (state, project_name, target)
			 VALUES ($1, $2, $3)
			 RETURNING id, created_at, updated_at`,
			group.State, group.ProjectName, group.Target,
		).Scan(&group.ID, &group.CreatedAt, &group.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert group: %w", err)
		}

		// Entries arrive with Dependencies holding indexes into the slice;
		// insert first, then remap to real ids.
		ids := make([]int64, len(entries))
		for i, e := range entries {
			e.GroupID = group.ID
			e.WaitingOn = len(e.Dependencies)
			err := tx.QueryRowxContext(ctx,
				`INSERT INTO group_entries (group_id, project_name, ident, target, state, waiting_on)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 RETURNING id, created_at, updated_at`,
				e.GroupID, e.ProjectName, e.Ident, e.Target, e.State, e.WaitingOn,
			).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert entry: %w", err)
			}
			ids[i] = e.ID
		}
		for i, e := range entries {
			deps := make([]int64, len(e.Dependencies))
			for j, idx := range e.Dependencies {
				if idx < 0 || idx >= int64(len(ids)) {
					return fmt.Errorf("entry %d references dependency index %d out of range", i, idx)
				}
				deps[j] = ids[idx]
			}
			e.Dependencies = deps
			for _, dep := range deps {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO entry_deps (entry_id, dep_id) VALUES ($1, $2)`,
					e.ID, dep); err != nil {
					return fmt.Errorf("failed to insert entry dep: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetGroup(ctx context.Context, id int64) (*types.Group, error) {
	var group types.Group
	err := s.db.GetContext(ctx, &group, `SELECT * FROM groups WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("group %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *PostgresStore) ListGroupsByOrigin(ctx context.Context, origin string, limit int) ([]*types.Group, error) {
	if limit <= 0 {
		limit = 100
	}
	var groups []*types.Group
	err := s.db.SelectContext(ctx, &groups,
		`SELECT * FROM groups WHERE project_name LIKE $1 ORDER BY created_at DESC LIMIT $2`,
		origin+"/%", limit)
	return groups, err
}

func (s *PostgresStore) ListGroupsByState(ctx context.Context, target types.Target, state types.GroupState) ([]*types.Group, error) {
	var groups []*types.Group
	err := s.db.SelectContext(ctx, &groups,
		`SELECT * FROM groups WHERE target = $1 AND state = $2 ORDER BY id`,
		target, state)
	return groups, err
}

func (s *PostgresStore) SetGroupState(ctx context.Context, id int64, state types.GroupState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET state = $2, updated_at = now() WHERE id = $1`, id, state)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("group %d not found", id)
	}
	return nil
}

func (s *PostgresStore) TakeNextPendingGroup(ctx context.Context, target types.Target) (*types.Group, error) {
	var group types.Group
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &group,
			`SELECT * FROM groups
			 WHERE target = $1 AND state = $2
			 ORDER BY id
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`,
			target, types.GroupStatePending)
		if err != nil {
			return err
		}
		group.State = types.GroupStateDispatching
		_, err = tx.ExecContext(ctx,
			`UPDATE groups SET state = $2, updated_at = now() WHERE id = $1`,
			group.ID, group.State)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *PostgresStore) HasActiveGroup(ctx context.Context, projectName string, target types.Target) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM groups
		 WHERE project_name = $1 AND target = $2 AND state IN ($3, $4)`,
		projectName, target, types.GroupStatePending, types.GroupStateDispatching)
	return count > 0, err
}

func (s *PostgresStore) GroupCounts(ctx context.Context) (map[types.GroupState]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT state, count(*) FROM groups GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[types.GroupState]int)
	for rows.Next() {
		var state types.GroupState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Entry operations

// loadEntryDeps fills Dependencies for each entry in one query.
func loadEntryDeps(ctx context.Context, q sqlx.ExtContext, entries []*types.JobGraphEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]int64, len(entries))
	byID := make(map[int64]*types.JobGraphEntry, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		byID[e.ID] = e
		e.Dependencies = nil
	}
	query, args, err := sqlx.In(
		`SELECT entry_id, dep_id FROM entry_deps WHERE entry_id IN (?) ORDER BY dep_id`, ids)
	if err != nil {
		return err
	}
	rows, err := q.QueryxContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var entryID, depID int64
		if err := rows.Scan(&entryID, &depID); err != nil {
			return err
		}
		e := byID[entryID]
		e.Dependencies = append(e.Dependencies, depID)
	}
	return rows.Err()
}

func (s *PostgresStore) GetEntry(ctx context.Context, id int64) (*types.JobGraphEntry, error) {
	var entry types.JobGraphEntry
	err := s.db.GetContext(ctx, &entry,
		`SELECT `+entryColumns+` FROM group_entries WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("entry %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := loadEntryDeps(ctx, s.db, []*types.JobGraphEntry{&entry}); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) ListGroupEntries(ctx context.Context, groupID int64) ([]*types.JobGraphEntry, error) {
	var entries []*types.JobGraphEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT `+entryColumns+` FROM group_entries WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	if err := loadEntryDeps(ctx, s.db, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) ListGroupEntriesByState(ctx context.Context, groupID int64, state types.EntryState) ([]*types.JobGraphEntry, error) {
	var entries []*types.JobGraphEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT `+entryColumns+` FROM group_entries WHERE group_id = $1 AND state = $2 ORDER BY id`,
		groupID, state)
	if err != nil {
		return nil, err
	}
	if err := loadEntryDeps(ctx, s.db, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) CountGroupEntryStates(ctx context.Context, groupID int64) (map[types.EntryState]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT state, count(*) FROM group_entries WHERE group_id = $1 GROUP BY state`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[types.EntryState]int)
	for rows.Next() {
		var state types.EntryState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) DispatchGroupEntries(ctx context.Context, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_entries
		 SET state = CASE WHEN waiting_on = 0 THEN $3 ELSE $4 END, updated_at = now()
		 WHERE group_id = $1 AND state = $2`,
		groupID, types.EntryStatePending, types.EntryStateReady, types.EntryStateWaitingOnDep)
	return err
}

func (s *PostgresStore) MarkEntryComplete(ctx context.Context, id int64, asBuilt string) ([]int64, error) {
	var promoted []int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE group_entries SET state = $2, as_built = $3, updated_at = now() WHERE id = $1`,
			id, types.EntryStateComplete, asBuilt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFound("entry %d not found", id)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE group_entries SET waiting_on = waiting_on - 1, updated_at = now()
			 WHERE waiting_on > 0
			   AND id IN (SELECT entry_id FROM entry_deps WHERE dep_id = $1)`,
			id); err != nil {
			return err
		}

		return tx.SelectContext(ctx, &promoted,
			`UPDATE group_entries SET state = $2, updated_at = now()
			 WHERE waiting_on = 0 AND state = $3
			   AND id IN (SELECT entry_id FROM entry_deps WHERE dep_id = $1)
			 RETURNING id`,
			id, types.EntryStateReady, types.EntryStateWaitingOnDep)
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

func (s *PostgresStore) MarkEntryFailed(ctx context.Context, id int64) ([]int64, error) {
	var cascaded []int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE group_entries SET state = $2, updated_at = now() WHERE id = $1`,
			id, types.EntryStateJobFailed)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFound("entry %d not found", id)
		}

		return tx.SelectContext(ctx, &cascaded,
			`WITH RECURSIVE rdeps AS (
			     SELECT entry_id FROM entry_deps WHERE dep_id = $1
			     UNION
			     SELECT d.entry_id FROM entry_deps d JOIN rdeps r ON d.dep_id = r.entry_id
			 )
			 UPDATE group_entries e SET state = $2, updated_at = now()
			 FROM rdeps r
			 WHERE e.id = r.entry_id AND e.state NOT IN ($3, $4, $5, $6)
			 RETURNING e.id`,
			id, types.EntryStateDependencyFailed,
			types.EntryStateComplete, types.EntryStateJobFailed,
			types.EntryStateDependencyFailed, types.EntryStateCancelComplete)
	})
	if err != nil {
		return nil, err
	}
	return cascaded, nil
}

func (s *PostgresStore) SetEntryState(ctx context.Context, id int64, state types.EntryState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE group_entries SET state = $2, updated_at = now() WHERE id = $1`, id, state)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("entry %d not found", id)
	}
	return nil
}

func (s *PostgresStore) SetEntryJob(ctx context.Context, id, jobID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE group_entries SET job_id = $2, updated_at = now() WHERE id = $1`, id, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("entry %d not found", id)
	}
	return nil
}

func (s *PostgresStore) TakeNextReadyEntry(ctx context.Context, target types.Target) (*types.JobGraphEntry, error) {
	var entry types.JobGraphEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &entry,
			`SELECT `+entryColumns+` FROM group_entries
			 WHERE target = $1 AND state = $2
			 ORDER BY group_id, created_at, id
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`,
			target, types.EntryStateReady)
		if err != nil {
			return err
		}
		entry.State = types.EntryStateRunning
		if _, err := tx.ExecContext(ctx,
			`UPDATE group_entries SET state = $2, updated_at = now() WHERE id = $1`,
			entry.ID, entry.State); err != nil {
			return err
		}
		return loadEntryDeps(ctx, tx, []*types.JobGraphEntry{&entry})
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) CountReadyEntries(ctx context.Context, target types.Target) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM group_entries WHERE target = $1 AND state = $2`,
		target, types.EntryStateReady)
	return count, err
}

func (s *PostgresStore) EntryRdeps(ctx context.Context, id int64) ([]*types.JobGraphEntry, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM group_entries WHERE id = $1)`, id); err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.NotFound("entry %d not found", id)
	}
	var entries []*types.JobGraphEntry
	err := s.db.SelectContext(ctx, &entries,
		`WITH RECURSIVE rdeps AS (
		     SELECT entry_id FROM entry_deps WHERE dep_id = $1
		     UNION
		     SELECT d.entry_id FROM entry_deps d JOIN rdeps r ON d.dep_id = r.entry_id
		 )
		 SELECT `+entryColumns+` FROM group_entries WHERE id IN (SELECT entry_id FROM rdeps)
		 ORDER BY id`,
		id)
	if err != nil {
		return nil, err
	}
	if err := loadEntryDeps(ctx, s.db, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) CancelGroupEntries(ctx context.Context, groupID int64) ([]*types.JobGraphEntry, error) {
	var canceling []*types.JobGraphEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE group_entries SET state = $2, updated_at = now()
			 WHERE group_id = $1 AND state IN ($3, $4, $5)`,
			groupID, types.EntryStateCancelComplete,
			types.EntryStatePending, types.EntryStateWaitingOnDep, types.EntryStateReady,
		); err != nil {
			return err
		}
		if err := tx.SelectContext(ctx, &canceling,
			`UPDATE group_entries SET state = $2, updated_at = now()
			 WHERE group_id = $1 AND state = $3
			 RETURNING `+entryColumns,
			groupID, types.EntryStateCancelPending, types.EntryStateRunning,
		); err != nil {
			return err
		}
		return loadEntryDeps(ctx, tx, canceling)
	})
	if err != nil {
		return nil, err
	}
	return canceling, nil
}

func (s *PostgresStore) EntryCounts(ctx context.Context) (map[types.Target]map[types.EntryState]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT target, state, count(*) FROM group_entries GROUP BY target, state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[types.Target]map[types.EntryState]int)
	for rows.Next() {
		var target types.Target
		var state types.EntryState
		var n int
		if err := rows.Scan(&target, &state, &n); err != nil {
			return nil, err
		}
		if counts[target] == nil {
			counts[target] = make(map[types.EntryState]int)
		}
		counts[target][state] = n
	}
	return counts, rows.Err()
}

// Job operations

type jobRow struct {
	types.Job
	ErrorRaw []byte `db:"error"`
}

func (r *jobRow) toJob() (*types.Job, error) {
	job := r.Job
	if len(r.ErrorRaw) > 0 {
		job.Error = &types.JobError{}
		if err := json.Unmarshal(r.ErrorRaw, job.Error); err != nil {
			return nil, fmt.Errorf("failed to decode job error: %w", err)
		}
	}
	return &job, nil
}

func marshalJobError(e *types.JobError) (any, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *types.Job) error {
	errRaw, err := marshalJobError(job.Error)
	if err != nil {
		return err
	}
	return s.db.QueryRowxContext(ctx,
		`INSERT INTO jobs (entry_id, group_id, state, project_name, ident, target, channel, worker_ident, as_built, error, archived, build_started_at, build_finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id, created_at, updated_at`,
		job.EntryID, job.GroupID, job.State, job.ProjectName, job.Ident, job.Target,
		job.Channel, job.WorkerIdent, job.AsBuilt, errRaw, job.Archived,
		job.BuildStartedAt, job.BuildFinishedAt,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("job %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *types.Job) error {
	errRaw, err := marshalJobError(job.Error)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET state = $2, worker_ident = $3, as_built = $4, error = $5,
		     build_started_at = $6, build_finished_at = $7, updated_at = now()
		 WHERE id = $1`,
		job.ID, job.State, job.WorkerIdent, job.AsBuilt, errRaw,
		job.BuildStartedAt, job.BuildFinishedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("job %d not found", job.ID)
	}
	return nil
}

func (s *PostgresStore) ListJobsByState(ctx context.Context, state types.JobState) ([]*types.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY id`, state)
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) ListJobsByProject(ctx context.Context, projectName string, page, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE project_name = $1
		 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		projectName, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) MarkJobArchived(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET archived = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("job %d not found", id)
	}
	return nil
}

// Busy worker operations

func (s *PostgresStore) ListBusyWorkers(ctx context.Context) ([]*types.BusyWorker, error) {
	var workers []*types.BusyWorker
	err := s.db.SelectContext(ctx, &workers,
		`SELECT * FROM busy_workers ORDER BY ident`)
	return workers, err
}

func (s *PostgresStore) UpsertBusyWorker(ctx context.Context, bw *types.BusyWorker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO busy_workers (ident, job_id, target, quarantined, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (ident) DO UPDATE
		 SET job_id = EXCLUDED.job_id, target = EXCLUDED.target,
		     quarantined = EXCLUDED.quarantined, updated_at = now()`,
		bw.Ident, bw.JobID, bw.Target, bw.Quarantined)
	return err
}

func (s *PostgresStore) DeleteBusyWorker(ctx context.Context, ident string, jobID int64) error {
	// Scoped to the job id so a stale delete cannot drop a newer assignment.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM busy_workers WHERE ident = $1 AND job_id = $2`, ident, jobID)
	return err
}

// Package operations

type packageRow struct {
	Ident      string           `db:"ident"`
	Target     types.Target     `db:"target"`
	Checksum   string           `db:"checksum"`
	Manifest   string           `db:"manifest"`
	Deps       []byte           `db:"deps"`
	BuildDeps  []byte           `db:"build_deps"`
	Visibility types.Visibility `db:"visibility"`
	CreatedAt  time.Time        `db:"created_at"`
}

func (r *packageRow) toRecord() (*types.PackageRecord, error) {
	ident, err := types.ParseIdent(r.Ident)
	if err != nil {
		return nil, fmt.Errorf("corrupt package ident %q: %w", r.Ident, err)
	}
	rec := &types.PackageRecord{
		Ident:      ident,
		Target:     r.Target,
		Checksum:   r.Checksum,
		Manifest:   r.Manifest,
		Visibility: r.Visibility,
		CreatedAt:  r.CreatedAt,
	}
	var deps, buildDeps []string
	if err := json.Unmarshal(r.Deps, &deps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.BuildDeps, &buildDeps); err != nil {
		return nil, err
	}
	for _, d := range deps {
		di, err := types.ParseIdent(d)
		if err != nil {
			return nil, fmt.Errorf("corrupt package dep %q: %w", d, err)
		}
		rec.Deps = append(rec.Deps, di)
	}
	for _, d := range buildDeps {
		di, err := types.ParseIdent(d)
		if err != nil {
			return nil, fmt.Errorf("corrupt package build dep %q: %w", d, err)
		}
		rec.BuildDeps = append(rec.BuildDeps, di)
	}
	return rec, nil
}

func identStrings(idents []types.PackageIdent) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = id.String()
	}
	return out
}

func (s *PostgresStore) CreatePackage(ctx context.Context, rec *types.PackageRecord) error {
	deps, err := json.Marshal(identStrings(rec.Deps))
	if err != nil {
		return err
	}
	buildDeps, err := json.Marshal(identStrings(rec.BuildDeps))
	if err != nil {
		return err
	}
	err = s.db.QueryRowxContext(ctx,
		`INSERT INTO packages (ident, target, checksum, manifest, deps, build_deps, visibility)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		rec.Ident.String(), rec.Target, rec.Checksum, rec.Manifest, deps, buildDeps, rec.Visibility,
	).Scan(&rec.CreatedAt)
	if isUniqueViolation(err) {
		return errs.Conflict("package %s already exists for %s", rec.Ident.String(), rec.Target)
	}
	return err
}

func (s *PostgresStore) GetPackage(ctx context.Context, ident types.PackageIdent, target types.Target) (*types.PackageRecord, error) {
	var row packageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM packages WHERE target = $1 AND ident = $2`, target, ident.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("package %s for %s not found", ident.String(), target)
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

func (s *PostgresStore) ListPackages(ctx context.Context, target types.Target) ([]*types.PackageRecord, error) {
	var rows []packageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM packages WHERE target = $1 ORDER BY created_at, ident`, target)
	if err != nil {
		return nil, err
	}
	recs := make([]*types.PackageRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Channel operations

func (s *PostgresStore) CreateChannel(ctx context.Context, origin, name string) (*types.Channel, error) {
	if ReservedChannels[name] {
		return nil, errs.Conflict("channel %s is reserved", name)
	}
	ch := &types.Channel{Origin: origin, Name: name}
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO channels (origin, name) VALUES ($1, $2) RETURNING id, created_at`,
		origin, name,
	).Scan(&ch.ID, &ch.CreatedAt)
	if isUniqueViolation(err) {
		return nil, errs.Conflict("channel %s already exists in origin %s", name, origin)
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, origin, name string) (*types.Channel, error) {
	var ch types.Channel
	err := s.db.GetContext(ctx, &ch,
		`SELECT * FROM channels WHERE origin = $1 AND name = $2`, origin, name)
	if errors.Is(err, sql.ErrNoRows) {
		// stable and unstable exist implicitly for every origin.
		if ReservedChannels[name] {
			return &types.Channel{Origin: origin, Name: name}, nil
		}
		return nil, errs.NotFound("channel %s/%s not found", origin, name)
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, origin, name string) error {
	if ReservedChannels[name] {
		return errs.Conflict("channel %s cannot be deleted", name)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM channels WHERE origin = $1 AND name = $2`, origin, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFound("channel %s/%s not found", origin, name)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM channel_packages WHERE origin = $1 AND channel = $2`, origin, name)
		return err
	})
}

func (s *PostgresStore) ListChannels(ctx context.Context, origin string) ([]*types.Channel, error) {
	channels := []*types.Channel{
		{Origin: origin, Name: "stable"},
		{Origin: origin, Name: "unstable"},
	}
	var rows []*types.Channel
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM channels WHERE origin = $1 AND name NOT IN ('stable', 'unstable') ORDER BY name`,
		origin)
	if err != nil {
		return nil, err
	}
	channels = append(channels, rows...)
	return channels, nil
}

func (s *PostgresStore) PromotePackage(ctx context.Context, origin, channel, ident string, trigger types.Trigger, requester string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_packages (origin, channel, ident) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			origin, channel, ident); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channel_audit (origin, channel, operation, ident, "trigger", requester)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			origin, channel, types.OperationPromote, ident, trigger, requester)
		return err
	})
}

func (s *PostgresStore) DemotePackage(ctx context.Context, origin, channel, ident string, trigger types.Trigger, requester string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM channel_packages WHERE origin = $1 AND channel = $2 AND ident = $3`,
			origin, channel, ident); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channel_audit (origin, channel, operation, ident, "trigger", requester)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			origin, channel, types.OperationDemote, ident, trigger, requester)
		return err
	})
}

func (s *PostgresStore) ListChannelPackages(ctx context.Context, origin, channel string, vis []types.Visibility, page, limit int) ([]string, error) {
	if len(vis) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	query, args, err := sqlx.In(
		`SELECT DISTINCT cp.ident FROM channel_packages cp
		 JOIN packages p ON p.ident = cp.ident
		 WHERE cp.origin = ? AND cp.channel = ? AND p.visibility IN (?)
		 ORDER BY cp.ident
		 LIMIT ? OFFSET ?`,
		origin, channel, vis, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	var idents []string
	err = s.db.SelectContext(ctx, &idents, s.db.Rebind(query), args...)
	return idents, err
}

// Audit operations

func (s *PostgresStore) CreateGroupAudit(ctx context.Context, audit *types.GroupAudit) error {
	return s.db.QueryRowxContext(ctx,
		`INSERT INTO group_audit (group_id, operation, "trigger", requester)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		audit.GroupID, audit.Operation, audit.Trigger, audit.Requester,
	).Scan(&audit.ID, &audit.CreatedAt)
}

// Project operations

func (s *PostgresStore) CreateProject(ctx context.Context, project *types.Project) error {
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO projects (name, origin, target, plan_path, vcs_type, vcs_data, vcs_installation_id, auto_build)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		project.Name, project.Origin, project.Target, project.PlanPath,
		project.VcsType, project.VcsData, project.VcsInstallationID, project.AutoBuild,
	).Scan(&project.ID, &project.CreatedAt, &project.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Conflict("project %s already exists for %s", project.Name, project.Target)
	}
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, name string, target types.Target) (*types.Project, error) {
	var project types.Project
	err := s.db.GetContext(ctx, &project,
		`SELECT * FROM projects WHERE name = $1 AND target = $2`, name, target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("project %s not found for %s", name, target)
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project *types.Project) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects
		 SET plan_path = $3, vcs_type = $4, vcs_data = $5, vcs_installation_id = $6,
		     auto_build = $7, updated_at = now()
		 WHERE name = $1 AND target = $2`,
		project.Name, project.Target, project.PlanPath, project.VcsType,
		project.VcsData, project.VcsInstallationID, project.AutoBuild)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("project %s not found for %s", project.Name, project.Target)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, name string, target types.Target) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM projects WHERE name = $1 AND target = $2`, name, target)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("project %s not found for %s", name, target)
	}
	return nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, target types.Target) ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.SelectContext(ctx, &projects,
		`SELECT * FROM projects WHERE target = $1 ORDER BY name`, target)
	return projects, err
}

// Origin secret operations

func (s *PostgresStore) GetOriginSecretKey(ctx context.Context, origin string) (*types.OriginSecretKey, error) {
	var key types.OriginSecretKey
	err := s.db.GetContext(ctx, &key,
		`SELECT * FROM origin_secret_keys WHERE origin = $1`, origin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("secret key for origin %s not found", origin)
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *PostgresStore) UpsertOriginSecretKey(ctx context.Context, key *types.OriginSecretKey) error {
	return s.db.QueryRowxContext(ctx,
		`INSERT INTO origin_secret_keys (origin, revision, body)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (origin) DO UPDATE SET revision = EXCLUDED.revision, body = EXCLUDED.body
		 RETURNING id, created_at`,
		key.Origin, key.Revision, key.Body,
	).Scan(&key.ID, &key.CreatedAt)
}

func (s *PostgresStore) ListOriginSecrets(ctx context.Context, origin string) ([]*types.OriginSecret, error) {
	var secrets []*types.OriginSecret
	err := s.db.SelectContext(ctx, &secrets,
		`SELECT * FROM origin_secrets WHERE origin = $1 ORDER BY name`, origin)
	return secrets, err
}

func (s *PostgresStore) UpsertOriginSecret(ctx context.Context, secret *types.OriginSecret) error {
	return s.db.QueryRowxContext(ctx,
		`INSERT INTO origin_secrets (origin, name, value)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (origin, name) DO UPDATE SET value = EXCLUDED.value
		 RETURNING id, created_at`,
		secret.Origin, secret.Name, secret.Value,
	).Scan(&secret.ID, &secret.CreatedAt)
}
