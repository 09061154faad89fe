// Package trust propagates trust scores across the link graph with a damped,
// non-normalized power iteration.
package trust

import "github.com/JakeFAU/trust-crawler/internal/crawler"

// Defaults for Engine.
const (
	DefaultRounds    = 10
	DefaultDamping   = 0.9
	DefaultRetention = 0.1
)

// Engine recomputes trust for every page of a snapshot. Each round computes
//
//	new(p) = Damping * sum(trust(q) / outDegree(q) for q -> p) + Retention * trust(p)
//
// from the previous round's values only, then commits all of them at once.
// outDegree is at least 1 so sink pages never divide by zero.
type Engine struct {
	Rounds    int
	Damping   float64
	Retention float64
}

// New returns an Engine with the default 10 rounds and 0.9/0.1 split.
func New() *Engine {
	return &Engine{
		Rounds:    DefaultRounds,
		Damping:   DefaultDamping,
		Retention: DefaultRetention,
	}
}

// graph is the adjacency built once per snapshot: dense positions instead of
// page ids, outbound degree per node and the reverse (inbound) index.
type graph struct {
	ids       []int64
	outDegree []float64
	inbound   [][]int
}

func buildGraph(snap crawler.Snapshot) graph {
	pos := make(map[int64]int, len(snap.Nodes))
	for i, n := range snap.Nodes {
		pos[n.ID] = i
	}
	g := graph{
		ids:       make([]int64, len(snap.Nodes)),
		outDegree: make([]float64, len(snap.Nodes)),
		inbound:   make([][]int, len(snap.Nodes)),
	}
	for i, n := range snap.Nodes {
		g.ids[i] = n.ID
		g.outDegree[i] = float64(max(1, len(n.Outbound)))
		for _, target := range n.Outbound {
			j, ok := pos[target]
			if !ok {
				continue
			}
			g.inbound[j] = append(g.inbound[j], i)
		}
	}
	return g
}

// Compute runs the configured number of rounds and returns the new trust of
// every node keyed by page id. The snapshot is not modified.
func (e *Engine) Compute(snap crawler.Snapshot) map[int64]float64 {
	g := buildGraph(snap)
	current := make([]float64, len(snap.Nodes))
	for i, n := range snap.Nodes {
		current[i] = sanitize(n.Trust)
	}
	next := make([]float64, len(current))

	for range e.Rounds {
		for i := range current {
			var inbound float64
			for _, q := range g.inbound[i] {
				inbound += current[q] / g.outDegree[q]
			}
			next[i] = sanitize(e.Damping*inbound + e.Retention*current[i])
		}
		current, next = next, current
	}

	out := make(map[int64]float64, len(current))
	for i, v := range current {
		out[g.ids[i]] = v
	}
	return out
}

func sanitize(v float64) float64 {
	if !crawler.ValidTrust(v) {
		return 0
	}
	return v
}
