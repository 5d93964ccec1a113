package graph

import (
	"sort"
	"strings"

	gonum "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/cuemby/foundry/pkg/types"
)

// InputKind says how a package entered the rebuild computation.
type InputKind string

const (
	InputDirect     InputKind = "direct"     // named in the touched set
	InputTransitive InputKind = "transitive" // reached by reverse-dependency flood
)

// UnbuildableKind distinguishes oracle rejections from fallout.
type UnbuildableKind string

const (
	UnbuildableDirect   UnbuildableKind = "direct"   // the package itself cannot build
	UnbuildableIndirect UnbuildableKind = "indirect" // depends on an unbuildable package
)

// UnbuildableReason explains an exclusion from the rebuild set.
type UnbuildableReason struct {
	Kind  UnbuildableKind `json:"kind"`
	Cause string          `json:"cause"` // oracle message, or the unbuildable dep's short
}

// ManifestEntry is one package in the rebuild set with its dependency split:
// internal deps are rebuilt in this run, external deps are pinned to the
// latest known artifact.
type ManifestEntry struct {
	Short        string               `json:"short"`
	Ident        types.PackageIdent   `json:"ident"`
	InternalDeps []string             `json:"internal_deps"`
	ExternalDeps []types.PackageIdent `json:"external_deps"`
}

// Component is a strongly connected set of packages, ordered internally by
// runtime edges. Components longer than one reveal build-edge cycles.
type Component struct {
	Members []string `json:"members"`
}

// Manifest is the result of a rebuild computation: what to build, in what
// order, and what was left out and why.
type Manifest struct {
	Target      types.Target                 `json:"target"`
	Order       []Component                  `json:"order"`
	Entries     map[string]*ManifestEntry    `json:"entries"`
	InputSet    map[string]InputKind         `json:"input_set"`
	Unbuildable map[string]UnbuildableReason `json:"unbuildable,omitempty"`
	Missing     []string                     `json:"missing,omitempty"`
}

// BuildableCount returns the number of packages that will actually build.
func (m *Manifest) BuildableCount() int { return len(m.Entries) }

// UnbuildableOracle reports whether a package can be rebuilt. A non-empty
// reason with ok=false excludes the package and, transitively, everything
// that depends on it.
type UnbuildableOracle func(short string) (reason string, buildable bool)

// ComputeBuild determines the rebuild set and build order for a touched set
// of packages. A non-empty origin confines the candidate set to packages of
// that origin. Touched packages missing from the graph are reported, not
// fatal; an empty rebuild set yields a manifest with no order.
func (g *TargetGraph) ComputeBuild(touched []string, origin string, oracle UnbuildableOracle) (*Manifest, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m := &Manifest{
		Target:      g.target,
		Entries:     make(map[string]*ManifestEntry),
		InputSet:    make(map[string]InputKind),
		Unbuildable: make(map[string]UnbuildableReason),
	}

	var seeds []*node
	seen := make(map[string]bool, len(touched))
	for _, short := range touched {
		if seen[short] {
			continue
		}
		seen[short] = true
		n, ok := g.byShort[short]
		if !ok {
			m.Missing = append(m.Missing, short)
			continue
		}
		seeds = append(seeds, n)
	}
	sort.Strings(m.Missing)
	if len(seeds) == 0 {
		return m, nil
	}

	// Candidate set: the touched packages plus everything that transitively
	// depends on them over runtime and build edges.
	candidates := g.floodRdepsLocked(seeds, g.full)
	if origin != "" {
		prefix := origin + "/"
		for id, n := range candidates {
			if !strings.HasPrefix(n.short, prefix) {
				delete(candidates, id)
			}
		}
	}
	for _, n := range seeds {
		m.InputSet[n.short] = InputDirect
	}
	for _, n := range candidates {
		if _, ok := m.InputSet[n.short]; !ok {
			m.InputSet[n.short] = InputTransitive
		}
	}

	// Oracle pass: packages that cannot build on their own.
	var directBad []*node
	if oracle != nil {
		for _, n := range candidates {
			reason, buildable := oracle(n.short)
			if !buildable {
				m.Unbuildable[n.short] = UnbuildableReason{Kind: UnbuildableDirect, Cause: reason}
				directBad = append(directBad, n)
			}
		}
	}

	// Fallout pass: dependents of unbuildable packages, within candidates.
	sort.Slice(directBad, func(i, j int) bool { return directBad[i].short < directBad[j].short })
	for _, bad := range directBad {
		queue := []*node{bad}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for it := g.full.To(cur.id); it.Next(); {
				dep := it.Node().(*node)
				if _, isCandidate := candidates[dep.id]; !isCandidate {
					continue
				}
				if _, already := m.Unbuildable[dep.short]; already {
					continue
				}
				m.Unbuildable[dep.short] = UnbuildableReason{
					Kind:  UnbuildableIndirect,
					Cause: bad.short,
				}
				queue = append(queue, dep)
			}
		}
	}

	// Rebuild set and per-entry dependency split.
	rebuild := make(map[int64]*node)
	for id, n := range candidates {
		if _, excluded := m.Unbuildable[n.short]; !excluded {
			rebuild[id] = n
		}
	}
	sub, sccs, compOf := g.condenseLocked(rebuild)
	for _, n := range rebuild {
		entry := &ManifestEntry{Short: n.short, Ident: n.ident}
		for it := g.full.From(n.id); it.Next(); {
			dep := it.Node().(*node)
			if _, internal := rebuild[dep.id]; !internal {
				entry.ExternalDeps = append(entry.ExternalDeps, dep.ident)
				continue
			}
			// A build-only edge inside a component sits on a cycle. The
			// ordering pass ignores it, so it must not hold the entry
			// back either or the component would wait on itself.
			kind := g.kinds[edgeKey{n.id, dep.id}]
			if kind&EdgeRuntime == 0 && compOf[n.id] == compOf[dep.id] {
				continue
			}
			entry.InternalDeps = append(entry.InternalDeps, dep.short)
		}
		sort.Strings(entry.InternalDeps)
		sort.Slice(entry.ExternalDeps, func(i, j int) bool {
			return entry.ExternalDeps[i].String() < entry.ExternalDeps[j].String()
		})
		m.Entries[n.short] = entry
	}

	m.Order = g.orderLocked(sub, sccs, compOf)
	return m, nil
}

// condenseLocked projects the rebuild set onto a subgraph over all edge
// kinds and collapses it into strongly connected components.
func (g *TargetGraph) condenseLocked(rebuild map[int64]*node) (*simple.DirectedGraph, [][]gonum.Node, map[int64]int) {
	sub := simple.NewDirectedGraph()
	for _, n := range rebuild {
		sub.AddNode(n)
	}
	for it := g.full.Edges(); it.Next(); {
		e := it.Edge()
		from, okFrom := rebuild[e.From().ID()]
		to, okTo := rebuild[e.To().ID()]
		if okFrom && okTo {
			sub.SetEdge(sub.NewEdge(from, to))
		}
	}

	sccs := topo.TarjanSCC(sub)
	compOf := make(map[int64]int, len(rebuild))
	for idx, comp := range sccs {
		for _, cn := range comp {
			compOf[cn.ID()] = idx
		}
	}
	return sub, sccs, compOf
}

// orderLocked produces the component build order for the condensed rebuild
// set. Build edges inside a component sit on cycles and are ignored for
// ordering, runtime edges order members within the component.
func (g *TargetGraph) orderLocked(sub *simple.DirectedGraph, sccs [][]gonum.Node, compOf map[int64]int) []Component {
	if len(sccs) == 0 {
		return nil
	}

	// Condensation in-degrees, counting distinct component pairs once.
	// An edge pkg->dep means dep's component must build first.
	waits := make([]int, len(sccs))
	dependents := make([][]int, len(sccs))
	seenPair := make(map[[2]int]bool)
	for it := sub.Edges(); it.Next(); {
		e := it.Edge()
		cf, ct := compOf[e.From().ID()], compOf[e.To().ID()]
		if cf == ct {
			continue
		}
		pair := [2]int{cf, ct}
		if seenPair[pair] {
			continue
		}
		seenPair[pair] = true
		waits[cf]++
		dependents[ct] = append(dependents[ct], cf)
	}

	minShort := make([]string, len(sccs))
	for idx, comp := range sccs {
		min := ""
		for _, cn := range comp {
			if s := cn.(*node).short; min == "" || s < min {
				min = s
			}
		}
		minShort[idx] = min
	}

	var ready []int
	for idx, w := range waits {
		if w == 0 {
			ready = append(ready, idx)
		}
	}

	var order []Component
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return minShort[ready[i]] < minShort[ready[j]] })
		idx := ready[0]
		ready = ready[1:]

		order = append(order, Component{Members: g.orderComponentLocked(sccs[idx])})

		for _, dep := range dependents[idx] {
			waits[dep]--
			if waits[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

// orderComponentLocked topologically sorts one component's members over the
// runtime edges between them. Ties break by short name so a fixed graph
// always yields the same order.
func (g *TargetGraph) orderComponentLocked(comp []gonum.Node) []string {
	members := make(map[int64]*node, len(comp))
	for _, cn := range comp {
		n := cn.(*node)
		members[n.id] = n
	}

	waiting := make(map[int64]int, len(comp))
	for id := range members {
		for it := g.run.From(id); it.Next(); {
			if _, internal := members[it.Node().ID()]; internal {
				waiting[id]++
			}
		}
	}

	var ready []*node
	for id, n := range members {
		if waiting[id] == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]string, 0, len(comp))
	done := make(map[int64]bool, len(comp))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].short < ready[j].short })
		cur := ready[0]
		ready = ready[1:]
		done[cur.id] = true
		out = append(out, cur.short)

		for it := g.run.To(cur.id); it.Next(); {
			depID := it.Node().ID()
			if _, internal := members[depID]; !internal || done[depID] {
				continue
			}
			waiting[depID]--
			if waiting[depID] == 0 {
				ready = append(ready, members[depID])
			}
		}
	}

	// Members stranded by intra-component runtime edges pointing outside the
	// worklist cannot happen while the runtime subgraph is acyclic; if the
	// invariant is ever violated, emit them name-ordered rather than hang.
	if len(out) < len(comp) {
		var rest []string
		for id, n := range members {
			if !done[id] {
				rest = append(rest, n.short)
			}
		}
		sort.Strings(rest)
		out = append(out, rest...)
	}
	return out
}
