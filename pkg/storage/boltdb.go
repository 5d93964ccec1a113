package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/types"
)

var (
	// Bucket names
	bucketGroups          = []byte("groups")
	bucketEntries         = []byte("entries")
	bucketJobs            = []byte("jobs")
	bucketBusyWorkers     = []byte("busy_workers")
	bucketPackages        = []byte("packages")
	bucketChannels        = []byte("channels")
	bucketChannelPackages = []byte("channel_packages")
	bucketChannelAudit    = []byte("channel_audit")
	bucketGroupAudit      = []byte("group_audit")
	bucketProjects        = []byte("projects")
	bucketSecretKeys      = []byte("secret_keys")
	bucketSecrets         = []byte("secrets")
)

// BoltStore implements Store on an embedded bbolt database. It backs the
// single-binary development mode and the store semantics tests.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketGroups,
			bucketEntries,
			bucketJobs,
			bucketBusyWorkers,
			bucketPackages,
			bucketChannels,
			bucketChannelPackages,
			bucketChannelAudit,
			bucketGroupAudit,
			bucketProjects,
			bucketSecretKeys,
			bucketSecrets,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still writable.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func nextID(b *bolt.Bucket) (int64, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

// Group operations

func (s *BoltStore) CreateGroup(ctx context.Context, group *types.Group, entries []*types.JobGraphEntry) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		gb := tx.Bucket(bucketGroups)
		id, err := nextID(gb)
		if err != nil {
			return err
		}
		group.ID = id
		group.CreatedAt = now
		group.UpdatedAt = now
		if err := putJSON(gb, itob(id), group); err != nil {
			return err
		}

		eb := tx.Bucket(bucketEntries)
		// Planner hands entries with dependency indexes into the same slice;
		// assign real ids first, then remap.
		ids := make([]int64, len(entries))
		for i := range entries {
			eid, err := nextID(eb)
			if err != nil {
				return err
			}
			ids[i] = eid
		}
		for i, e := range entries {
			e.ID = ids[i]
			e.GroupID = id
			deps := make([]int64, len(e.Dependencies))
			for j, idx := range e.Dependencies {
				if idx < 0 || idx >= int64(len(ids)) {
					return fmt.Errorf("entry %d references dependency index %d out of range", i, idx)
				}
				deps[j] = ids[idx]
			}
			e.Dependencies = deps
			e.WaitingOn = len(deps)
			e.CreatedAt = now
			e.UpdatedAt = now
			if err := putJSON(eb, itob(e.ID), e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetGroup(ctx context.Context, id int64) (*types.Group, error) {
	var group types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketGroups), itob(id), &group, "group %d", id)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) ListGroupsByOrigin(ctx context.Context, origin string, limit int) ([]*types.Group, error) {
	prefix := origin + "/"
	var groups []*types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var group types.Group
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			if len(group.ProjectName) > len(prefix) && group.ProjectName[:len(prefix)] == prefix {
				groups = append(groups, &group)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.After(groups[j].CreatedAt) })
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (s *BoltStore) ListGroupsByState(ctx context.Context, target types.Target, state types.GroupState) ([]*types.Group, error) {
	var groups []*types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var group types.Group
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			if group.Target == target && group.State == state {
				groups = append(groups, &group)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (s *BoltStore) SetGroupState(ctx context.Context, id int64, state types.GroupState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		var group types.Group
		if err := getJSON(b, itob(id), &group, "group %d", id); err != nil {
			return err
		}
		group.State = state
		group.UpdatedAt = time.Now().UTC()
		return putJSON(b, itob(id), &group)
	})
}

func (s *BoltStore) TakeNextPendingGroup(ctx context.Context, target types.Target) (*types.Group, error) {
	var taken *types.Group
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		var oldest *types.Group
		err := b.ForEach(func(k, v []byte) error {
			var group types.Group
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			if group.Target != target || group.State != types.GroupStatePending {
				return nil
			}
			if oldest == nil || group.ID < oldest.ID {
				oldest = &group
			}
			return nil
		})
		if err != nil || oldest == nil {
			return err
		}
		oldest.State = types.GroupStateDispatching
		oldest.UpdatedAt = time.Now().UTC()
		if err := putJSON(b, itob(oldest.ID), oldest); err != nil {
			return err
		}
		taken = oldest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

func (s *BoltStore) HasActiveGroup(ctx context.Context, projectName string, target types.Target) (bool, error) {
	active := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var group types.Group
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			if group.ProjectName == projectName && group.Target == target &&
				(group.State == types.GroupStatePending || group.State == types.GroupStateDispatching) {
				active = true
			}
			return nil
		})
	})
	return active, err
}

func (s *BoltStore) GroupCounts(ctx context.Context) (map[types.GroupState]int, error) {
	counts := make(map[types.GroupState]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var group types.Group
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			counts[group.State]++
			return nil
		})
	})
	return counts, err
}

// Entry operations

func (s *BoltStore) GetEntry(ctx context.Context, id int64) (*types.JobGraphEntry, error) {
	var entry types.JobGraphEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketEntries), itob(id), &entry, "entry %d", id)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListGroupEntries(ctx context.Context, groupID int64) ([]*types.JobGraphEntry, error) {
	var entries []*types.JobGraphEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entries, err = groupEntriesTx(tx, groupID)
		return err
	})
	return entries, err
}

func (s *BoltStore) ListGroupEntriesByState(ctx context.Context, groupID int64, state types.EntryState) ([]*types.JobGraphEntry, error) {
	all, err := s.ListGroupEntries(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var entries []*types.JobGraphEntry
	for _, e := range all {
		if e.State == state {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *BoltStore) CountGroupEntryStates(ctx context.Context, groupID int64) (map[types.EntryState]int, error) {
	all, err := s.ListGroupEntries(ctx, groupID)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.EntryState]int)
	for _, e := range all {
		counts[e.State]++
	}
	return counts, nil
}

func (s *BoltStore) DispatchGroupEntries(ctx context.Context, groupID int64) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		entries, err := groupEntriesTx(tx, groupID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.State != types.EntryStatePending {
				continue
			}
			if e.WaitingOn == 0 {
				e.State = types.EntryStateReady
			} else {
				e.State = types.EntryStateWaitingOnDep
			}
			e.UpdatedAt = now
			if err := putJSON(b, itob(e.ID), e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) MarkEntryComplete(ctx context.Context, id int64, asBuilt string) ([]int64, error) {
	now := time.Now().UTC()
	var promoted []int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var entry types.JobGraphEntry
		if err := getJSON(b, itob(id), &entry, "entry %d", id); err != nil {
			return err
		}
		entry.State = types.EntryStateComplete
		entry.AsBuilt = asBuilt
		entry.UpdatedAt = now
		if err := putJSON(b, itob(id), &entry); err != nil {
			return err
		}

		siblings, err := groupEntriesTx(tx, entry.GroupID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if !dependsOn(sib, id) {
				continue
			}
			if sib.WaitingOn > 0 {
				sib.WaitingOn--
			}
			if sib.WaitingOn == 0 && sib.State == types.EntryStateWaitingOnDep {
				sib.State = types.EntryStateReady
				promoted = append(promoted, sib.ID)
			}
			sib.UpdatedAt = now
			if err := putJSON(b, itob(sib.ID), sib); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(promoted, func(i, j int) bool { return promoted[i] < promoted[j] })
	return promoted, nil
}

func (s *BoltStore) MarkEntryFailed(ctx context.Context, id int64) ([]int64, error) {
	now := time.Now().UTC()
	var cascaded []int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var entry types.JobGraphEntry
		if err := getJSON(b, itob(id), &entry, "entry %d", id); err != nil {
			return err
		}
		entry.State = types.EntryStateJobFailed
		entry.UpdatedAt = now
		if err := putJSON(b, itob(id), &entry); err != nil {
			return err
		}

		siblings, err := groupEntriesTx(tx, entry.GroupID)
		if err != nil {
			return err
		}
		for _, rd := range transitiveRdeps(siblings, id) {
			if rd.State.Terminal() {
				continue
			}
			rd.State = types.EntryStateDependencyFailed
			rd.UpdatedAt = now
			if err := putJSON(b, itob(rd.ID), rd); err != nil {
				return err
			}
			cascaded = append(cascaded, rd.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(cascaded, func(i, j int) bool { return cascaded[i] < cascaded[j] })
	return cascaded, nil
}

func (s *BoltStore) SetEntryState(ctx context.Context, id int64, state types.EntryState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var entry types.JobGraphEntry
		if err := getJSON(b, itob(id), &entry, "entry %d", id); err != nil {
			return err
		}
		entry.State = state
		entry.UpdatedAt = time.Now().UTC()
		return putJSON(b, itob(id), &entry)
	})
}

func (s *BoltStore) SetEntryJob(ctx context.Context, id, jobID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var entry types.JobGraphEntry
		if err := getJSON(b, itob(id), &entry, "entry %d", id); err != nil {
			return err
		}
		entry.JobID = jobID
		entry.UpdatedAt = time.Now().UTC()
		return putJSON(b, itob(id), &entry)
	})
}

func (s *BoltStore) TakeNextReadyEntry(ctx context.Context, target types.Target) (*types.JobGraphEntry, error) {
	var taken *types.JobGraphEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var ready []*types.JobGraphEntry
		err := b.ForEach(func(k, v []byte) error {
			var entry types.JobGraphEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Target == target && entry.State == types.EntryStateReady {
				e := entry
				ready = append(ready, &e)
			}
			return nil
		})
		if err != nil || len(ready) == 0 {
			return err
		}
		// Oldest group first so an active group drains before a newer one.
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].GroupID != ready[j].GroupID {
				return ready[i].GroupID < ready[j].GroupID
			}
			if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
				return ready[i].CreatedAt.Before(ready[j].CreatedAt)
			}
			return ready[i].ID < ready[j].ID
		})
		taken = ready[0]
		taken.State = types.EntryStateRunning
		taken.UpdatedAt = time.Now().UTC()
		return putJSON(b, itob(taken.ID), taken)
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

func (s *BoltStore) CountReadyEntries(ctx context.Context, target types.Target) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var entry types.JobGraphEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Target == target && entry.State == types.EntryStateReady {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) EntryRdeps(ctx context.Context, id int64) ([]*types.JobGraphEntry, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	siblings, err := s.ListGroupEntries(ctx, entry.GroupID)
	if err != nil {
		return nil, err
	}
	rdeps := transitiveRdeps(siblings, id)
	sort.Slice(rdeps, func(i, j int) bool { return rdeps[i].ID < rdeps[j].ID })
	return rdeps, nil
}

func (s *BoltStore) CancelGroupEntries(ctx context.Context, groupID int64) ([]*types.JobGraphEntry, error) {
	now := time.Now().UTC()
	var affected []*types.JobGraphEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		entries, err := groupEntriesTx(tx, groupID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			switch e.State {
			case types.EntryStatePending, types.EntryStateWaitingOnDep, types.EntryStateReady:
				e.State = types.EntryStateCancelComplete
			case types.EntryStateRunning:
				e.State = types.EntryStateCancelPending
			default:
				continue
			}
			e.UpdatedAt = now
			if err := putJSON(b, itob(e.ID), e); err != nil {
				return err
			}
			if e.State == types.EntryStateCancelPending {
				affected = append(affected, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

func (s *BoltStore) EntryCounts(ctx context.Context) (map[types.Target]map[types.EntryState]int, error) {
	counts := make(map[types.Target]map[types.EntryState]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var entry types.JobGraphEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if counts[entry.Target] == nil {
				counts[entry.Target] = make(map[types.EntryState]int)
			}
			counts[entry.Target][entry.State]++
			return nil
		})
	})
	return counts, err
}

// groupEntriesTx loads a group's entries inside an open transaction,
// ordered by id.
func groupEntriesTx(tx *bolt.Tx, groupID int64) ([]*types.JobGraphEntry, error) {
	var entries []*types.JobGraphEntry
	err := tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
		var entry types.JobGraphEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		if entry.GroupID == groupID {
			e := entry
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func dependsOn(e *types.JobGraphEntry, id int64) bool {
	for _, dep := range e.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// transitiveRdeps walks dependents of id through the in-group entry set.
func transitiveRdeps(entries []*types.JobGraphEntry, id int64) []*types.JobGraphEntry {
	seen := map[int64]bool{id: true}
	queue := []int64{id}
	var out []*types.JobGraphEntry
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range entries {
			if seen[e.ID] || !dependsOn(e, cur) {
				continue
			}
			seen[e.ID] = true
			queue = append(queue, e.ID)
			out = append(out, e)
		}
	}
	return out
}

// Job operations

func (s *BoltStore) CreateJob(ctx context.Context, job *types.Job) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		id, err := nextID(b)
		if err != nil {
			return err
		}
		job.ID = id
		job.CreatedAt = now
		job.UpdatedAt = now
		return putJSON(b, itob(id), job)
	})
}

func (s *BoltStore) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketJobs), itob(id), &job, "job %d", id)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateJob(ctx context.Context, job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get(itob(job.ID)) == nil {
			return errs.NotFound("job %d not found", job.ID)
		}
		job.UpdatedAt = time.Now().UTC()
		return putJSON(b, itob(job.ID), job)
	})
}

func (s *BoltStore) ListJobsByState(ctx context.Context, state types.JobState) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State == state {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *BoltStore) ListJobsByProject(ctx context.Context, projectName string, page, limit int) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.ProjectName == projectName {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	return paginate(jobs, page, limit), nil
}

func (s *BoltStore) MarkJobArchived(ctx context.Context, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var job types.Job
		if err := getJSON(b, itob(id), &job, "job %d", id); err != nil {
			return err
		}
		job.Archived = true
		job.UpdatedAt = time.Now().UTC()
		return putJSON(b, itob(id), &job)
	})
}

// Busy worker operations. Keyed by worker ident: a worker holds at most one
// job, so (ident, job_id) uniqueness falls out of the key.

func (s *BoltStore) ListBusyWorkers(ctx context.Context) ([]*types.BusyWorker, error) {
	var workers []*types.BusyWorker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBusyWorkers).ForEach(func(k, v []byte) error {
			var bw types.BusyWorker
			if err := json.Unmarshal(v, &bw); err != nil {
				return err
			}
			workers = append(workers, &bw)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Ident < workers[j].Ident })
	return workers, nil
}

func (s *BoltStore) UpsertBusyWorker(ctx context.Context, bw *types.BusyWorker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bw.UpdatedAt = time.Now().UTC()
		return putJSON(tx.Bucket(bucketBusyWorkers), []byte(bw.Ident), bw)
	})
}

func (s *BoltStore) DeleteBusyWorker(ctx context.Context, ident string, jobID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBusyWorkers)
		data := b.Get([]byte(ident))
		if data == nil {
			return nil
		}
		var bw types.BusyWorker
		if err := json.Unmarshal(data, &bw); err != nil {
			return err
		}
		// A stale delete for a job the worker no longer holds is a no-op.
		if bw.JobID != jobID {
			return nil
		}
		return b.Delete([]byte(ident))
	})
}

// Package operations

func packageKey(target types.Target, ident types.PackageIdent) []byte {
	return []byte(string(target) + "|" + ident.String())
}

func (s *BoltStore) CreatePackage(ctx context.Context, rec *types.PackageRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		key := packageKey(rec.Target, rec.Ident)
		// Package records are immutable; a rebuild gets a later release.
		if b.Get(key) != nil {
			return errs.Conflict("package %s already exists for %s", rec.Ident.String(), rec.Target)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		return putJSON(b, key, rec)
	})
}

func (s *BoltStore) GetPackage(ctx context.Context, ident types.PackageIdent, target types.Target) (*types.PackageRecord, error) {
	var rec types.PackageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPackages), packageKey(target, ident), &rec,
			"package %s for %s", ident.String(), target)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListPackages(ctx context.Context, target types.Target) ([]*types.PackageRecord, error) {
	prefix := []byte(string(target) + "|")
	var recs []*types.PackageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPackages).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var rec types.PackageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Oldest first so graph rebuild replays records in creation order.
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// Channel operations

func channelKey(origin, name string) []byte {
	return []byte(origin + "/" + name)
}

func membershipKey(origin, channel, ident string) []byte {
	return []byte(origin + "/" + channel + "|" + ident)
}

func (s *BoltStore) CreateChannel(ctx context.Context, origin, name string) (*types.Channel, error) {
	if ReservedChannels[name] {
		return nil, errs.Conflict("channel %s is reserved", name)
	}
	ch := &types.Channel{Origin: origin, Name: name}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		key := channelKey(origin, name)
		if b.Get(key) != nil {
			return errs.Conflict("channel %s already exists in origin %s", name, origin)
		}
		id, err := nextID(b)
		if err != nil {
			return err
		}
		ch.ID = id
		ch.CreatedAt = time.Now().UTC()
		return putJSON(b, key, ch)
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *BoltStore) GetChannel(ctx context.Context, origin, name string) (*types.Channel, error) {
	var ch types.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketChannels), channelKey(origin, name), &ch,
			"channel %s/%s", origin, name)
	})
	if err != nil {
		// stable and unstable exist implicitly for every origin.
		if ReservedChannels[name] && errs.Is(err, errs.KindNotFound) {
			return &types.Channel{Origin: origin, Name: name}, nil
		}
		return nil, err
	}
	return &ch, nil
}

func (s *BoltStore) DeleteChannel(ctx context.Context, origin, name string) error {
	if ReservedChannels[name] {
		return errs.Conflict("channel %s cannot be deleted", name)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		key := channelKey(origin, name)
		if b.Get(key) == nil {
			return errs.NotFound("channel %s/%s not found", origin, name)
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		// Drop memberships with the channel.
		mb := tx.Bucket(bucketChannelPackages)
		prefix := []byte(origin + "/" + name + "|")
		c := mb.Cursor()
		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := mb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListChannels(ctx context.Context, origin string) ([]*types.Channel, error) {
	channels := []*types.Channel{
		{Origin: origin, Name: "stable"},
		{Origin: origin, Name: "unstable"},
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(origin + "/")
		c := tx.Bucket(bucketChannels).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ch types.Channel
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			if !ReservedChannels[ch.Name] {
				channels = append(channels, &ch)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return channels, nil
}

func (s *BoltStore) PromotePackage(ctx context.Context, origin, channel, ident string, trigger types.Trigger, requester string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Insert-on-conflict-do-nothing membership.
		mb := tx.Bucket(bucketChannelPackages)
		key := membershipKey(origin, channel, ident)
		if mb.Get(key) == nil {
			if err := mb.Put(key, []byte(ident)); err != nil {
				return err
			}
		}
		return auditChannelTx(tx, origin, channel, ident, types.OperationPromote, trigger, requester)
	})
}

func (s *BoltStore) DemotePackage(ctx context.Context, origin, channel, ident string, trigger types.Trigger, requester string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketChannelPackages)
		if err := mb.Delete(membershipKey(origin, channel, ident)); err != nil {
			return err
		}
		return auditChannelTx(tx, origin, channel, ident, types.OperationDemote, trigger, requester)
	})
}

func auditChannelTx(tx *bolt.Tx, origin, channel, ident string, op types.Operation, trigger types.Trigger, requester string) error {
	ab := tx.Bucket(bucketChannelAudit)
	id, err := nextID(ab)
	if err != nil {
		return err
	}
	audit := &types.ChannelAudit{
		ID:        id,
		Origin:    origin,
		Channel:   channel,
		Operation: op,
		Ident:     ident,
		Trigger:   trigger,
		Requester: requester,
		CreatedAt: time.Now().UTC(),
	}
	return putJSON(ab, itob(id), audit)
}

func (s *BoltStore) ListChannelPackages(ctx context.Context, origin, channel string, vis []types.Visibility, page, limit int) ([]string, error) {
	allowed := make(map[types.Visibility]bool, len(vis))
	for _, v := range vis {
		allowed[v] = true
	}
	var idents []string
	err := s.db.View(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPackages)
		prefix := []byte(origin + "/" + channel + "|")
		c := tx.Bucket(bucketChannelPackages).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ident := string(v)
			visible := false
			// Membership rows do not carry a target; any target's record
			// decides visibility since all share the same plan metadata.
			pc := pb.Cursor()
			for pk, pv := pc.First(); pk != nil; pk, pv = pc.Next() {
				var rec types.PackageRecord
				if err := json.Unmarshal(pv, &rec); err != nil {
					continue
				}
				if rec.Ident.String() == ident && allowed[rec.Visibility] {
					visible = true
					break
				}
			}
			if visible {
				idents = append(idents, ident)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(idents)
	return paginate(idents, page, limit), nil
}

// Audit operations

func (s *BoltStore) CreateGroupAudit(ctx context.Context, audit *types.GroupAudit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroupAudit)
		id, err := nextID(b)
		if err != nil {
			return err
		}
		audit.ID = id
		audit.CreatedAt = time.Now().UTC()
		return putJSON(b, itob(id), audit)
	})
}

// Project operations

func projectKey(name string, target types.Target) []byte {
	return []byte(name + "|" + string(target))
}

func (s *BoltStore) CreateProject(ctx context.Context, project *types.Project) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		key := projectKey(project.Name, project.Target)
		if b.Get(key) != nil {
			return errs.Conflict("project %s already exists for %s", project.Name, project.Target)
		}
		id, err := nextID(b)
		if err != nil {
			return err
		}
		project.ID = id
		project.CreatedAt = now
		project.UpdatedAt = now
		return putJSON(b, key, project)
	})
}

func (s *BoltStore) GetProject(ctx context.Context, name string, target types.Target) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketProjects), projectKey(name, target), &project,
			"project %s for %s", name, target)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) UpdateProject(ctx context.Context, project *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		key := projectKey(project.Name, project.Target)
		if b.Get(key) == nil {
			return errs.NotFound("project %s not found for %s", project.Name, project.Target)
		}
		project.UpdatedAt = time.Now().UTC()
		return putJSON(b, key, project)
	})
}

func (s *BoltStore) DeleteProject(ctx context.Context, name string, target types.Target) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		key := projectKey(name, target)
		if b.Get(key) == nil {
			return errs.NotFound("project %s not found for %s", name, target)
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) ListProjects(ctx context.Context, target types.Target) ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			if project.Target == target {
				projects = append(projects, &project)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// Origin secret operations

func (s *BoltStore) GetOriginSecretKey(ctx context.Context, origin string) (*types.OriginSecretKey, error) {
	var key types.OriginSecretKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketSecretKeys), []byte(origin), &key,
			"secret key for origin %s", origin)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) UpsertOriginSecretKey(ctx context.Context, key *types.OriginSecretKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecretKeys)
		if key.ID == 0 {
			id, err := nextID(b)
			if err != nil {
				return err
			}
			key.ID = id
			key.CreatedAt = time.Now().UTC()
		}
		return putJSON(b, []byte(key.Origin), key)
	})
}

func (s *BoltStore) ListOriginSecrets(ctx context.Context, origin string) ([]*types.OriginSecret, error) {
	var secrets []*types.OriginSecret
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(origin + "/")
		c := tx.Bucket(bucketSecrets).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var secret types.OriginSecret
			if err := json.Unmarshal(v, &secret); err != nil {
				return err
			}
			secrets = append(secrets, &secret)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(secrets, func(i, j int) bool { return secrets[i].Name < secrets[j].Name })
	return secrets, nil
}

func (s *BoltStore) UpsertOriginSecret(ctx context.Context, secret *types.OriginSecret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		if secret.ID == 0 {
			id, err := nextID(b)
			if err != nil {
				return err
			}
			secret.ID = id
			secret.CreatedAt = time.Now().UTC()
		}
		return putJSON(b, []byte(secret.Origin+"/"+secret.Name), secret)
	})
}

// Helpers

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v any, notFoundFormat string, args ...any) error {
	data := b.Get(key)
	if data == nil {
		return errs.NotFound(notFoundFormat+" not found", args...)
	}
	return json.Unmarshal(data, v)
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

func paginate[T any](items []T, page, limit int) []T {
	if limit <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
