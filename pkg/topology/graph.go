package topology

import (
	"fmt"
	"sort"
)

// Node is one (provider, location) pair in the transfer graph.
type Node struct {
	Tag              string  `json:"tag" yaml:"tag"` // "provider:location", e.g. "aws:us-east-1"
	MaxInstances     int     `json:"max_instances" yaml:"max_instances"`
	ConnsPerInstance int     `json:"conns_per_instance" yaml:"conns_per_instance"`
	EgressCostPerGB  float64 `json:"egress_cost_per_gb" yaml:"egress_cost_per_gb"`
}

// Edge is a directed candidate path between two regions. Edges are synthetic,
// derived from pairwise measurements; the graph is not necessarily complete.
type Edge struct {
	Src         string  `json:"src" yaml:"src"`
	Dst         string  `json:"dst" yaml:"dst"`
	GbpsPerConn float64 `json:"gbps_per_conn" yaml:"gbps_per_conn"`
	CostPerGB   float64 `json:"cost_per_gb" yaml:"cost_per_gb"`
	MaxConns    int     `json:"max_conns" yaml:"max_conns"`
}

// Key identifies an edge within a graph.
func (e Edge) Key() string { return e.Src + "->" + e.Dst }

// Graph holds the region nodes and measured edges the planner optimizes over.
type Graph struct {
	nodes map[string]Node
	edges map[string]Edge // keyed by Edge.Key()
	out   map[string][]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		edges: make(map[string]Edge),
		out:   make(map[string][]string),
	}
}

// AddNode registers a region node, replacing any previous definition.
func (g *Graph) AddNode(n Node) {
	g.nodes[n.Tag] = n
}

// AddEdge registers a directed edge. Both endpoints must already be nodes.
func (g *Graph) AddEdge(e Edge) error {
	if _, ok := g.nodes[e.Src]; !ok {
		return fmt.Errorf("edge %s: unknown source region %q", e.Key(), e.Src)
	}
	if _, ok := g.nodes[e.Dst]; !ok {
		return fmt.Errorf("edge %s: unknown destination region %q", e.Key(), e.Dst)
	}
	if e.GbpsPerConn <= 0 || e.MaxConns <= 0 {
		return fmt.Errorf("edge %s: throughput and capacity must be positive", e.Key())
	}
	if _, dup := g.edges[e.Key()]; dup {
		return fmt.Errorf("edge %s: duplicate edge", e.Key())
	}
	g.edges[e.Key()] = e
	g.out[e.Src] = append(g.out[e.Src], e.Dst)
	sort.Strings(g.out[e.Src])
	return nil
}

// Node returns the node for a region tag.
func (g *Graph) Node(tag string) (Node, bool) {
	n, ok := g.nodes[tag]
	return n, ok
}

// Edge returns the edge from src to dst, if measured.
func (g *Graph) Edge(src, dst string) (Edge, bool) {
	e, ok := g.edges[src+"->"+dst]
	return e, ok
}

// Successors returns the regions reachable in one hop from src, sorted by tag
// so traversal order is stable across runs.
func (g *Graph) Successors(src string) []string {
	return g.out[src]
}

// Nodes returns all region tags in sorted order.
func (g *Graph) Nodes() []string {
	tags := make([]string, 0, len(g.nodes))
	for tag := range g.nodes {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Edges returns all edges sorted by key.
func (g *Graph) Edges() []Edge {
	keys := make([]string, 0, len(g.edges))
	for k := range g.edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	edges := make([]Edge, 0, len(keys))
	for _, k := range keys {
		edges = append(edges, g.edges[k])
	}
	return edges
}
