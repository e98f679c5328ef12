package planner

import (
	"sort"

	"github.com/xutingl/skyplane/pkg/topology"
)

// enumeratePaths lists every simple path from src to dst with at most maxHops
// edges, in a canonical order: ascending cost, then fewer hops, then
// lexicographically smaller route. The order doubles as the planner's
// tie-break rule, so it must be stable for identical inputs.
func enumeratePaths(g *topology.Graph, src, dst string, maxHops int) []Path {
	if maxHops <= 0 {
		maxHops = 3
	}
	var paths []Path
	visited := map[string]bool{src: true}
	route := []string{src}

	var walk func(cur string)
	walk = func(cur string) {
		if len(route)-1 > maxHops {
			return
		}
		if cur == dst {
			paths = append(paths, buildPath(g, route))
			return
		}
		if len(route)-1 == maxHops {
			return
		}
		for _, next := range g.Successors(cur) {
			if visited[next] {
				continue
			}
			visited[next] = true
			route = append(route, next)
			walk(next)
			route = route[:len(route)-1]
			visited[next] = false
		}
	}
	walk(src)

	sort.Slice(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if a.CostPerGB != b.CostPerGB {
			return a.CostPerGB < b.CostPerGB
		}
		if a.Hops() != b.Hops() {
			return a.Hops() < b.Hops()
		}
		return a.String() < b.String()
	})
	return paths
}

func buildPath(g *topology.Graph, route []string) Path {
	regions := make([]string, len(route))
	copy(regions, route)

	p := Path{Regions: regions}
	for i := 0; i+1 < len(regions); i++ {
		e, _ := g.Edge(regions[i], regions[i+1])
		p.Edges = append(p.Edges, e)
		p.CostPerGB += e.CostPerGB
		if p.GbpsPerConn == 0 || e.GbpsPerConn < p.GbpsPerConn {
			p.GbpsPerConn = e.GbpsPerConn
		}
	}
	return p
}

// usesEdge reports whether the path traverses the edge.
func (p Path) usesEdge(key string) bool {
	for _, e := range p.Edges {
		if e.Key() == key {
			return true
		}
	}
	return false
}

// visitsRegion reports whether the path touches the region.
func (p Path) visitsRegion(tag string) bool {
	for _, r := range p.Regions {
		if r == tag {
			return true
		}
	}
	return false
}
