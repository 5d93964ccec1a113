package graph

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/types"
)

// EdgeKind labels a dependency edge. A pair of packages may carry both
// kinds when a dependency appears in deps and build_deps.
type EdgeKind uint8

const (
	EdgeRuntime EdgeKind = 1 << iota
	EdgeBuild
)

type edgeKey struct {
	from, to int64
}

// node is a package in the graph. Edges point from a package to its
// dependencies, so From() walks deps and To() walks dependents.
type node struct {
	id     int64
	short  string
	ident  types.PackageIdent // latest fully qualified ident seen
	placed bool               // false while only known as someone's dependency
}

func (n *node) ID() int64 { return n.id }

// Stats reports graph size after an extend.
type Stats struct {
	Nodes        int `json:"nodes"`
	RuntimeEdges int `json:"runtime_edges"`
	TotalEdges   int `json:"total_edges"`
}

// TargetGraph is the dependency universe for a single build target. The
// runtime subgraph is kept acyclic; build edges may form cycles.
type TargetGraph struct {
	target types.Target

	mu      sync.RWMutex
	nextID  int64
	byShort map[string]*node
	run     *simple.DirectedGraph // runtime edges only
	full    *simple.DirectedGraph // runtime + build edges
	kinds   map[edgeKey]EdgeKind
}

// NewTargetGraph creates an empty graph for one target.
func NewTargetGraph(target types.Target) *TargetGraph {
	return &TargetGraph{
		target:  target,
		byShort: make(map[string]*node),
		run:     simple.NewDirectedGraph(),
		full:    simple.NewDirectedGraph(),
		kinds:   make(map[edgeKey]EdgeKind),
	}
}

// Target returns the platform this graph covers.
func (g *TargetGraph) Target() types.Target { return g.target }

// Extend folds a package record into the graph. The update is all or
// nothing: when the new edges would put a cycle in the runtime subgraph,
// the graph is restored and a CIRCULAR_DEPENDENCY error returned. An ident
// older than the node's latest record is a no-op; a placeholder created
// from some dependent's dep list takes its own record at any ident,
// including the one the placeholder was pinned at.
func (g *TargetGraph) Extend(rec *types.PackageRecord) (Stats, error) {
	if !rec.Ident.Valid() {
		return Stats{}, errs.BadRequest("invalid package ident %q", rec.Ident.String())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	short := rec.Ident.Short()
	n, exists := g.byShort[short]
	if exists && n.placed && !rec.Ident.Newer(n.ident) {
		return g.statsLocked(), nil
	}

	// A runtime dependency on yourself can never be satisfied.
	for _, dep := range rec.Deps {
		if dep.Short() == short {
			return Stats{}, errs.CircularDependency(
				"package %s lists itself as a runtime dependency", short)
		}
	}

	var created []*node
	if !exists {
		n = g.addNodeLocked(short, rec.Ident)
		created = append(created, n)
	}

	prev := g.captureLocked(n)
	g.removeOutEdgesLocked(n)

	ensure := func(ident types.PackageIdent) *node {
		dn, ok := g.byShort[ident.Short()]
		if !ok {
			dn = g.addNodeLocked(ident.Short(), ident)
			created = append(created, dn)
		}
		return dn
	}

	for _, dep := range rec.Deps {
		dn := ensure(dep)
		g.setEdgeLocked(n, dn, EdgeRuntime)
	}
	for _, dep := range rec.BuildDeps {
		if dep.Short() == short {
			continue // build-dep on yourself orders nothing
		}
		dn := ensure(dep)
		g.setEdgeLocked(n, dn, EdgeBuild)
	}

	if _, err := topo.Sort(g.run); err != nil {
		uo, ok := err.(topo.Unorderable)
		g.restoreLocked(n, prev, created)
		if !ok {
			return Stats{}, fmt.Errorf("runtime cycle check: %w", err)
		}
		return Stats{}, errs.CircularDependency(
			"extending %s creates a runtime cycle through %s",
			rec.Ident.String(), cycleMembers(uo))
	}

	n.ident = rec.Ident
	n.placed = true
	return g.statsLocked(), nil
}

func cycleMembers(uo topo.Unorderable) string {
	var shorts []string
	for _, component := range uo {
		for _, cn := range component {
			shorts = append(shorts, cn.(*node).short)
		}
	}
	sort.Strings(shorts)
	return fmt.Sprintf("%v", shorts)
}

func (g *TargetGraph) addNodeLocked(short string, ident types.PackageIdent) *node {
	g.nextID++
	n := &node{id: g.nextID, short: short, ident: ident}
	g.byShort[short] = n
	g.run.AddNode(n)
	g.full.AddNode(n)
	return n
}

type savedEdges struct {
	runOut  []int64
	fullOut []int64
	kinds   map[edgeKey]EdgeKind
}

func (g *TargetGraph) captureLocked(n *node) savedEdges {
	saved := savedEdges{kinds: make(map[edgeKey]EdgeKind)}
	for it := g.run.From(n.id); it.Next(); {
		saved.runOut = append(saved.runOut, it.Node().ID())
	}
	for it := g.full.From(n.id); it.Next(); {
		to := it.Node().ID()
		saved.fullOut = append(saved.fullOut, to)
		saved.kinds[edgeKey{n.id, to}] = g.kinds[edgeKey{n.id, to}]
	}
	return saved
}

func (g *TargetGraph) removeOutEdgesLocked(n *node) {
	var runOut, fullOut []int64
	for it := g.run.From(n.id); it.Next(); {
		runOut = append(runOut, it.Node().ID())
	}
	for it := g.full.From(n.id); it.Next(); {
		fullOut = append(fullOut, it.Node().ID())
	}
	for _, to := range runOut {
		g.run.RemoveEdge(n.id, to)
	}
	for _, to := range fullOut {
		g.full.RemoveEdge(n.id, to)
		delete(g.kinds, edgeKey{n.id, to})
	}
}

func (g *TargetGraph) setEdgeLocked(from, to *node, kind EdgeKind) {
	key := edgeKey{from.id, to.id}
	if kind == EdgeRuntime {
		g.run.SetEdge(g.run.NewEdge(from, to))
	}
	g.full.SetEdge(g.full.NewEdge(from, to))
	g.kinds[key] |= kind
}

func (g *TargetGraph) restoreLocked(n *node, prev savedEdges, created []*node) {
	g.removeOutEdgesLocked(n)
	for _, cn := range created {
		g.run.RemoveNode(cn.id)
		g.full.RemoveNode(cn.id)
		delete(g.byShort, cn.short)
	}
	for _, to := range prev.runOut {
		if target := g.run.Node(to); target != nil {
			g.run.SetEdge(g.run.NewEdge(n, target.(*node)))
		}
	}
	for _, to := range prev.fullOut {
		if target := g.full.Node(to); target != nil {
			g.full.SetEdge(g.full.NewEdge(n, target.(*node)))
			g.kinds[edgeKey{n.id, to}] = prev.kinds[edgeKey{n.id, to}]
		}
	}
}

func (g *TargetGraph) statsLocked() Stats {
	return Stats{
		Nodes:        len(g.byShort),
		RuntimeEdges: g.run.Edges().Len(),
		TotalEdges:   g.full.Edges().Len(),
	}
}

// Stats returns the current graph size.
func (g *TargetGraph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.statsLocked()
}

// Resolve returns the latest known ident for a short name.
func (g *TargetGraph) Resolve(short string) (types.PackageIdent, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byShort[short]
	if !ok {
		return types.PackageIdent{}, false
	}
	return n.ident, true
}

// Rdep is one reverse dependency: a package that would rebuild when the
// queried package changes.
type Rdep struct {
	Short string             `json:"short"`
	Ident types.PackageIdent `json:"ident"`
}

// Rdeps returns the transitive reverse dependencies of a short ident over
// runtime edges, sorted by short name. Build-only dependents are a rebuild
// concern, not a runtime one, and stay out. The queried package is not
// included. Unknown packages return a NOT_FOUND error.
func (g *TargetGraph) Rdeps(short string) ([]Rdep, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, ok := g.byShort[short]
	if !ok {
		return nil, errs.NotFound("package %s not in graph for %s", short, g.target)
	}

	seen := g.floodRdepsLocked([]*node{start}, g.run)
	delete(seen, start.id)

	out := make([]Rdep, 0, len(seen))
	for _, rn := range seen {
		out = append(out, Rdep{Short: rn.short, Ident: rn.ident})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Short < out[j].Short })
	return out, nil
}

// floodRdepsLocked walks To() edges (dependents) transitively over the given
// subgraph, returning every node reached including the seeds.
func (g *TargetGraph) floodRdepsLocked(seeds []*node, dg *simple.DirectedGraph) map[int64]*node {
	seen := make(map[int64]*node, len(seeds))
	queue := make([]*node, 0, len(seeds))
	for _, s := range seeds {
		seen[s.id] = s
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for it := dg.To(cur.id); it.Next(); {
			dep := it.Node().(*node)
			if _, ok := seen[dep.id]; !ok {
				seen[dep.id] = dep
				queue = append(queue, dep)
			}
		}
	}
	return seen
}

// Clone deep-copies the graph. Pre-create checks extend the clone so a
// rejected upload never touches the live graph.
func (g *TargetGraph) Clone() *TargetGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := NewTargetGraph(g.target)
	out.nextID = g.nextID
	for short, n := range g.byShort {
		cn := &node{id: n.id, short: short, ident: n.ident, placed: n.placed}
		out.byShort[short] = cn
		out.run.AddNode(cn)
		out.full.AddNode(cn)
	}
	for it := g.run.Edges(); it.Next(); {
		e := it.Edge()
		out.run.SetEdge(out.run.NewEdge(
			out.run.Node(e.From().ID()).(*node),
			out.run.Node(e.To().ID()).(*node)))
	}
	for it := g.full.Edges(); it.Next(); {
		e := it.Edge()
		out.full.SetEdge(out.full.NewEdge(
			out.full.Node(e.From().ID()).(*node),
			out.full.Node(e.To().ID()).(*node)))
	}
	for k, v := range g.kinds {
		out.kinds[k] = v
	}
	return out
}

// Graph routes operations to per-target graphs.
type Graph struct {
	mu      sync.RWMutex
	targets map[types.Target]*TargetGraph
}

// New creates a graph set covering the given targets.
func New(targets []types.Target) *Graph {
	g := &Graph{targets: make(map[types.Target]*TargetGraph, len(targets))}
	for _, t := range targets {
		g.targets[t] = NewTargetGraph(t)
	}
	return g
}

// Target returns the per-target graph.
func (g *Graph) Target(t types.Target) (*TargetGraph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	tg, ok := g.targets[t]
	if !ok {
		return nil, errs.UnsupportedTarget("target %s is not configured", t)
	}
	return tg, nil
}

// Extend routes a package record to its target graph.
func (g *Graph) Extend(rec *types.PackageRecord) (Stats, error) {
	tg, err := g.Target(rec.Target)
	if err != nil {
		return Stats{}, err
	}
	return tg.Extend(rec)
}
