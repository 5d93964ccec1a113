// Package planner turns a touched package into a persisted job group: it
// computes the rebuild set over the target's dependency graph, filters it
// through the project registry, and stores the group with its entries in
// build order.
package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/graph"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
)

// Disposition is what planning decided for one package in the rebuild set.
type Disposition string

const (
	DispositionQueued  Disposition = "queued"  // got a group entry
	DispositionSkipped Disposition = "skipped" // excluded, with a reason
	DispositionMissing Disposition = "missing" // touched but not in the graph
)

// PackagePlan reports the disposition of one package.
type PackagePlan struct {
	Short       string      `json:"short"`
	Ident       string      `json:"ident,omitempty"`
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason,omitempty"`
}

// Plan is the outcome of a successful planning pass.
type Plan struct {
	Group    *types.Group           `json:"group"`
	Entries  []*types.JobGraphEntry `json:"entries"`
	Packages []PackagePlan          `json:"packages"`
}

// Request names the package whose change triggers the build.
type Request struct {
	Origin    string
	Name      string
	Target    types.Target
	Trigger   types.Trigger
	Requester string
}

// Planner creates job groups from rebuild computations.
type Planner struct {
	store  storage.Store
	graph  *graph.Graph
	broker *events.Broker
	logger zerolog.Logger
}

// New wires the planner to the graph, the store, and the event broker.
// broker may be nil in tests.
func New(store storage.Store, g *graph.Graph, broker *events.Broker) *Planner {
	return &Planner{
		store:  store,
		graph:  g,
		broker: broker,
		logger: log.WithComponent("planner"),
	}
}

// Plan computes the rebuild set for the requested package and persists it as
// a queued group. The group holds one entry per buildable package, ordered so
// dependencies precede dependents; packages excluded by the project registry
// are reported as skipped. When nothing at all is buildable no group is
// created and a BAD_REQUEST error is returned.
func (p *Planner) Plan(ctx context.Context, req Request) (*Plan, error) {
	short := req.Origin + "/" + req.Name

	tg, err := p.graph.Target(req.Target)
	if err != nil {
		return nil, err
	}
	if _, ok := tg.Resolve(short); !ok {
		return nil, errs.NotFound("package %s has no builds for %s", short, req.Target)
	}

	projects, err := p.store.ListProjects(ctx, req.Target)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindInternal, "failed to load project registry")
	}
	byName := make(map[string]*types.Project, len(projects))
	for _, proj := range projects {
		byName[proj.Name] = proj
	}

	// The touched package itself builds whenever it is registered; auto_build
	// only gates packages pulled in by the reverse-dependency flood.
	oracle := func(candidate string) (string, bool) {
		proj, ok := byName[candidate]
		if !ok {
			return "project not registered", false
		}
		if candidate != short && !proj.AutoBuild {
			return "auto-build disabled", false
		}
		return "", true
	}

	// The rebuild flood stays inside the requesting origin; other origins
	// schedule their own groups.
	manifest, err := tg.ComputeBuild([]string{short}, req.Origin, oracle)
	if err != nil {
		return nil, err
	}
	if manifest.BuildableCount() == 0 {
		return nil, errs.BadRequest(
			"no buildable packages for %s on %s (%d excluded)",
			short, req.Target, len(manifest.Unbuildable))
	}

	group := &types.Group{
		State:       types.GroupStateQueued,
		ProjectName: short,
		Target:      req.Target,
	}
	entries, packages := buildEntries(group, manifest)
	if err := p.store.CreateGroup(ctx, group, entries); err != nil {
		return nil, err
	}

	p.logger.Info().
		Int64("group_id", group.ID).
		Str("project", short).
		Str("target", string(req.Target)).
		Int("entries", len(entries)).
		Int("skipped", len(manifest.Unbuildable)).
		Str("trigger", string(req.Trigger)).
		Msg("job group created")
	if p.broker != nil {
		p.broker.Publish(events.ForGroup(events.EventGroupCreated, group,
			fmt.Sprintf("planned %d builds", len(entries))))
	}

	return &Plan{Group: group, Entries: entries, Packages: packages}, nil
}

// buildEntries flattens the manifest's component order into group entries.
// Dependencies are expressed as indexes into the returned slice; the store
// remaps them to real entry ids on insert.
func buildEntries(group *types.Group, m *graph.Manifest) ([]*types.JobGraphEntry, []PackagePlan) {
	var shorts []string
	for _, comp := range m.Order {
		shorts = append(shorts, comp.Members...)
	}
	indexOf := make(map[string]int64, len(shorts))
	for i, s := range shorts {
		indexOf[s] = int64(i)
	}

	entries := make([]*types.JobGraphEntry, 0, len(shorts))
	packages := make([]PackagePlan, 0, len(shorts)+len(m.Unbuildable)+len(m.Missing))
	for _, s := range shorts {
		me := m.Entries[s]
		entry := &types.JobGraphEntry{
			ProjectName: s,
			Ident:       me.Ident.String(),
			Target:      m.Target,
			State:       types.EntryStatePending,
		}
		for _, dep := range me.InternalDeps {
			entry.Dependencies = append(entry.Dependencies, indexOf[dep])
		}
		entries = append(entries, entry)
		packages = append(packages, PackagePlan{
			Short:       s,
			Ident:       me.Ident.String(),
			Disposition: DispositionQueued,
		})
	}

	for _, s := range sortedKeys(m.Unbuildable) {
		reason := m.Unbuildable[s]
		cause := reason.Cause
		if reason.Kind == graph.UnbuildableIndirect {
			cause = "depends on " + reason.Cause
		}
		packages = append(packages, PackagePlan{
			Short:       s,
			Disposition: DispositionSkipped,
			Reason:      cause,
		})
	}
	for _, s := range m.Missing {
		packages = append(packages, PackagePlan{Short: s, Disposition: DispositionMissing})
	}
	return entries, packages
}

func sortedKeys(m map[string]graph.UnbuildableReason) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
