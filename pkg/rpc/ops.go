package rpc

import (
	"context"
	"encoding/json"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/graph"
	"github.com/cuemby/foundry/pkg/planner"
	"github.com/cuemby/foundry/pkg/types"
)

// JobGroupSpecRequest asks for a rebuild of one package and its dependents.
type JobGroupSpecRequest struct {
	Origin    string `json:"origin" validate:"required"`
	Package   string `json:"package" validate:"required"`
	Target    string `json:"target" validate:"required"`
	Trigger   string `json:"trigger,omitempty"`
	Requester string `json:"requester,omitempty"`
}

// JobGroupSpecResponse reports the created group and every package's
// disposition, including the skipped and missing ones.
type JobGroupSpecResponse struct {
	GroupID  int64                 `json:"group_id"`
	Group    *types.Group          `json:"group"`
	Packages []planner.PackagePlan `json:"packages"`
}

func (s *Server) jobGroupSpec(ctx context.Context, body json.RawMessage) (any, error) {
	var req JobGroupSpecRequest
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	target, err := types.ParseTarget(req.Target)
	if err != nil {
		return nil, errs.UnsupportedTarget("%v", err)
	}
	trigger := types.Trigger(req.Trigger)
	if trigger == "" {
		trigger = types.TriggerManual
	}

	plan, err := s.planner.Plan(ctx, planner.Request{
		Origin:    req.Origin,
		Name:      req.Package,
		Target:    target,
		Trigger:   trigger,
		Requester: req.Requester,
	})
	if err != nil {
		return nil, err
	}
	return &JobGroupSpecResponse{
		GroupID:  plan.Group.ID,
		Group:    plan.Group,
		Packages: plan.Packages,
	}, nil
}

// JobGroupGetRequest fetches one group, optionally with its entries.
type JobGroupGetRequest struct {
	GroupID         int64 `json:"group_id" validate:"required"`
	IncludeProjects bool  `json:"include_projects,omitempty"`
}

// JobGroupGetResponse is the group and, when requested, its entries.
type JobGroupGetResponse struct {
	Group   *types.Group           `json:"group"`
	Entries []*types.JobGraphEntry `json:"entries,omitempty"`
}

func (s *Server) jobGroupGet(ctx context.Context, body json.RawMessage) (any, error) {
	var req JobGroupGetRequest
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	group, err := s.store.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	resp := &JobGroupGetResponse{Group: group}
	if req.IncludeProjects {
		entries, err := s.store.ListGroupEntries(ctx, req.GroupID)
		if err != nil {
			return nil, err
		}
		resp.Entries = entries
	}
	return resp, nil
}

// JobGroupOriginGetRequest lists an origin's most recent groups.
type JobGroupOriginGetRequest struct {
	Origin string `json:"origin" validate:"required"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Server) jobGroupOriginGet(ctx context.Context, body json.RawMessage) (any, error) {
	var req JobGroupOriginGetRequest
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	groups, err := s.store.ListGroupsByOrigin(ctx, req.Origin, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"groups": groups}, nil
}

// JobGroupCancelRequest cancels a group.
type JobGroupCancelRequest struct {
	GroupID   int64  `json:"group_id" validate:"required"`
	Requester string `json:"requester,omitempty"`
}

func (s *Server) jobGroupCancel(ctx context.Context, body json.RawMessage) (any, error) {
	var req JobGroupCancelRequest
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	if err := s.canceler.CancelGroup(ctx, req.GroupID, types.TriggerManual, req.Requester); err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true}, nil
}

// JobGetRequest fetches one job.
type JobGetRequest struct {
	JobID int64 `json:"job_id" validate:"required"`
}

func (s *Server) jobGet(ctx context.Context, body json.RawMessage) (any, error) {
	var req JobGetRequest
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job}, nil
}

// JobLogGetRequest pages through a job's log. Color keeps ANSI escapes.
type JobLogGetRequest struct {
	JobID int64 `json:"job_id" validate:"required"`
	Start int64 `json:"start,omitempty"`
	Color bool  `json:"color,omitempty"`
}

func (s *Server) jobLogGet(ctx context.Context, body json.RawMessage) (any, error) {
	var req JobLogGetRequest
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}

	stripANSI := !req.Color
	if job.Archived {
		if s.archive == nil {
			return nil, errs.NotFound("log for job %d is archived and no archive is configured", req.JobID)
		}
		fetched, err := s.pipeline.FetchArchived(ctx, s.archive, req.JobID, req.Start, stripANSI)
		if err != nil {
			return nil, err
		}
		return fetched, nil
	}
	fetched, err := s.pipeline.Fetch(req.JobID, req.Start, stripANSI)
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// RdepsRequest names a package on a target.
type RdepsRequest struct {
	Origin string `json:"origin" validate:"required"`
	Name   string `json:"name" validate:"required"`
	Target string `json:"target" validate:"required"`
}

func (s *Server) rdepsGet(ctx context.Context, body json.RawMessage) (any, error) {
	var req RdepsRequest
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	tg, err := s.targetGraph(req.Target)
	if err != nil {
		return nil, err
	}
	rdeps, err := tg.Rdeps(req.Origin + "/" + req.Name)
	if err != nil {
		return nil, err
	}
	idents := make([]string, 0, len(rdeps))
	for _, r := range rdeps {
		idents = append(idents, r.Ident.String())
	}
	return map[string]any{"rdeps": idents}, nil
}

// RdepsGroup is one build wave: packages that could rebuild together once
// the previous waves are done.
type RdepsGroup struct {
	GroupID int      `json:"group_id"`
	Idents  []string `json:"idents"`
}

func (s *Server) rdepsGroupedGet(ctx context.Context, body json.RawMessage) (any, error) {
	var req RdepsRequest
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	tg, err := s.targetGraph(req.Target)
	if err != nil {
		return nil, err
	}

	short := req.Origin + "/" + req.Name
	// No origin scope here: the caller asks what a change would ripple
	// into, across every origin that depends on the package.
	manifest, err := tg.ComputeBuild([]string{short}, "", nil)
	if err != nil {
		return nil, err
	}

	groups := make([]RdepsGroup, 0, len(manifest.Order))
	for i, component := range manifest.Order {
		g := RdepsGroup{GroupID: i}
		for _, member := range component.Members {
			if member == short {
				continue
			}
			g.Idents = append(g.Idents, manifest.Entries[member].Ident.String())
		}
		if len(g.Idents) > 0 {
			groups = append(groups, g)
		}
	}
	return map[string]any{"groups": groups}, nil
}

// PackageUpload is the wire form of a package record: idents as strings.
type PackageUpload struct {
	Ident      string   `json:"ident" validate:"required"`
	Target     string   `json:"target" validate:"required"`
	Checksum   string   `json:"checksum,omitempty"`
	Manifest   string   `json:"manifest,omitempty"`
	Deps       []string `json:"deps,omitempty"`
	BuildDeps  []string `json:"build_deps,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
}

func (u *PackageUpload) toRecord() (*types.PackageRecord, error) {
	ident, err := types.ParseIdent(u.Ident)
	if err != nil {
		return nil, errs.BadRequest("%v", err)
	}
	if !ident.FullyQualified() {
		return nil, errs.BadRequest("package ident %q is not fully qualified", u.Ident)
	}
	target, err := types.ParseTarget(u.Target)
	if err != nil {
		return nil, errs.UnsupportedTarget("%v", err)
	}

	rec := &types.PackageRecord{
		Ident:      ident,
		Target:     target,
		Checksum:   u.Checksum,
		Manifest:   u.Manifest,
		Visibility: types.VisibilityPublic,
	}
	if u.Visibility != "" {
		rec.Visibility = types.Visibility(u.Visibility)
	}
	for _, d := range u.Deps {
		dep, err := types.ParseIdent(d)
		if err != nil {
			return nil, errs.BadRequest("%v", err)
		}
		rec.Deps = append(rec.Deps, dep)
	}
	for _, d := range u.BuildDeps {
		dep, err := types.ParseIdent(d)
		if err != nil {
			return nil, errs.BadRequest("%v", err)
		}
		rec.BuildDeps = append(rec.BuildDeps, dep)
	}
	return rec, nil
}

// packagePreCreate is the validation gate for uploads: it extends a scratch
// copy of the graph and rejects records that would create a runtime cycle.
// The live graph is never touched.
func (s *Server) packagePreCreate(ctx context.Context, body json.RawMessage) (any, error) {
	var req PackageUpload
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	rec, err := req.toRecord()
	if err != nil {
		return nil, err
	}
	tg, err := s.graph.Target(rec.Target)
	if err != nil {
		return nil, err
	}
	if _, err := tg.Clone().Extend(rec); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// packageCreate persists a package and folds it into the live graph.
func (s *Server) packageCreate(ctx context.Context, body json.RawMessage) (any, error) {
	var req PackageUpload
	if err := s.decode(body, &req); err != nil {
		return nil, err
	}
	rec, err := req.toRecord()
	if err != nil {
		return nil, err
	}
	tg, err := s.graph.Target(rec.Target)
	if err != nil {
		return nil, err
	}

	// Validate against a scratch copy first so a cycle never reaches the
	// store or the live graph.
	if _, err := tg.Clone().Extend(rec); err != nil {
		return nil, err
	}
	if err := s.store.CreatePackage(ctx, rec); err != nil {
		return nil, err
	}
	stats, err := tg.Extend(rec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "graph": stats}, nil
}

func (s *Server) targetGraph(raw string) (*graph.TargetGraph, error) {
	target, err := types.ParseTarget(raw)
	if err != nil {
		return nil, errs.UnsupportedTarget("%v", err)
	}
	return s.graph.Target(target)
}
