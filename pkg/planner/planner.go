package planner

import (
	"fmt"
	"math"
	"sort"

	"github.com/xutingl/skyplane/pkg/topology"
)

const bytesPerGB = 1e9

// Planner computes transfer plans over a topology graph. The same planner
// given the same graph, demands, and constraints always produces an identical
// plan.
type Planner struct {
	graph *topology.Graph
}

// New creates a planner for a graph.
func New(g *topology.Graph) *Planner {
	return &Planner{graph: g}
}

// pathRef ties a candidate path to the demand it serves.
type pathRef struct {
	demand int
	path   Path
}

// problem is the materialized optimization instance shared by the LP and the
// greedy fallback.
type problem struct {
	demands   []Demand
	flat      []pathRef
	byDemand  [][]int        // demand index -> indexes into flat
	edgeCap   map[string]int // edge key -> max connections
	regionCap map[string]int // region tag -> max concurrent connections
	connsPer  map[string]int // region tag -> connections per instance
	budgetUSD float64        // <= 0 means unlimited
}

// Plan chooses paths, per-edge parallelism, and per-region instance counts
// maximizing the bottleneck throughput across demands subject to the budget
// ceiling, edge capacities, and region instance limits. The LP relaxation is
// solved first and rounded; if rounding breaks a constraint the deterministic
// greedy augmentation takes over.
func (pl *Planner) Plan(jobID string, demands []Demand, cons Constraints) (*Plan, error) {
	if len(demands) == 0 {
		return nil, fmt.Errorf("no demands to plan")
	}
	for _, d := range demands {
		if _, ok := pl.graph.Node(d.Src); !ok {
			return nil, fmt.Errorf("unknown source region %q", d.Src)
		}
		if _, ok := pl.graph.Node(d.Dst); !ok {
			return nil, fmt.Errorf("unknown destination region %q", d.Dst)
		}
		if d.Src == d.Dst {
			return nil, fmt.Errorf("demand %s: source and destination region are the same", d.Pair())
		}
	}

	prob, infeasible := pl.buildProblem(demands, cons)
	if len(infeasible) > 0 {
		return nil, &InfeasibleError{Pairs: infeasible}
	}

	conns, err := solveLP(prob)
	if err != nil || !prob.servesAll(conns) || !prob.feasible(conns) {
		var ok bool
		conns, ok = solveGreedy(prob)
		if !ok {
			return nil, &InfeasibleError{Pairs: prob.unserved(conns)}
		}
	}

	return pl.assemble(jobID, prob, conns), nil
}

func (pl *Planner) buildProblem(demands []Demand, cons Constraints) (*problem, []string) {
	prob := &problem{
		demands:   demands,
		edgeCap:   make(map[string]int),
		regionCap: make(map[string]int),
		connsPer:  make(map[string]int),
		budgetUSD: cons.BudgetUSD,
	}

	var infeasible []string
	for di, d := range demands {
		paths := enumeratePaths(pl.graph, d.Src, d.Dst, cons.MaxHops)
		if len(paths) == 0 {
			infeasible = append(infeasible, d.Pair())
			continue
		}
		var idxs []int
		for _, p := range paths {
			idxs = append(idxs, len(prob.flat))
			prob.flat = append(prob.flat, pathRef{demand: di, path: p})
		}
		prob.byDemand = append(prob.byDemand, idxs)
	}
	if len(infeasible) > 0 {
		return nil, infeasible
	}

	for _, e := range pl.graph.Edges() {
		cap := e.MaxConns
		if cons.MaxConnsPerEdge > 0 && cons.MaxConnsPerEdge < cap {
			cap = cons.MaxConnsPerEdge
		}
		prob.edgeCap[e.Key()] = cap
	}
	for _, tag := range pl.graph.Nodes() {
		n, _ := pl.graph.Node(tag)
		maxInst := n.MaxInstances
		if cons.MaxInstancesPerRegion > 0 && cons.MaxInstancesPerRegion < maxInst {
			maxInst = cons.MaxInstancesPerRegion
		}
		prob.connsPer[tag] = n.ConnsPerInstance
		prob.regionCap[tag] = maxInst * n.ConnsPerInstance
	}
	return prob, nil
}

// feasible checks edge capacities, region connection limits, and the exact
// transfer cost of an allocation.
func (p *problem) feasible(conns []int) bool {
	edgeUse := make(map[string]int)
	regionUse := make(map[string]int)
	for i, ref := range p.flat {
		if conns[i] == 0 {
			continue
		}
		for _, e := range ref.path.Edges {
			edgeUse[e.Key()] += conns[i]
		}
		for _, r := range ref.path.Regions {
			regionUse[r] += conns[i]
		}
	}
	for key, use := range edgeUse {
		if use > p.edgeCap[key] {
			return false
		}
	}
	for tag, use := range regionUse {
		if use > p.regionCap[tag] {
			return false
		}
	}
	if p.budgetUSD > 0 && p.cost(conns) > p.budgetUSD*(1+1e-9) {
		return false
	}
	return true
}

// cost returns the exact transfer cost in USD: within each demand, bytes are
// split across selected paths in proportion to their delivered throughput.
func (p *problem) cost(conns []int) float64 {
	var total float64
	for di, d := range p.demands {
		var sumThr float64
		for _, i := range p.byDemand[di] {
			sumThr += float64(conns[i]) * p.flat[i].path.GbpsPerConn
		}
		if sumThr == 0 {
			continue
		}
		gb := float64(d.Bytes) / bytesPerGB
		for _, i := range p.byDemand[di] {
			thr := float64(conns[i]) * p.flat[i].path.GbpsPerConn
			total += gb * (thr / sumThr) * p.flat[i].path.CostPerGB
		}
	}
	return total
}

// throughput returns the delivered Gbps for one demand.
func (p *problem) throughput(demand int, conns []int) float64 {
	var sum float64
	for _, i := range p.byDemand[demand] {
		sum += float64(conns[i]) * p.flat[i].path.GbpsPerConn
	}
	return sum
}

// servesAll reports whether every demand has at least one connection.
func (p *problem) servesAll(conns []int) bool {
	return len(p.unserved(conns)) == 0
}

func (p *problem) unserved(conns []int) []string {
	var pairs []string
	for di, d := range p.demands {
		if p.throughput(di, conns) == 0 {
			pairs = append(pairs, d.Pair())
		}
	}
	return pairs
}

func (pl *Planner) assemble(jobID string, prob *problem, conns []int) *Plan {
	plan := &Plan{
		JobID:     jobID,
		Instances: make(map[string]int),
		CostUSD:   prob.cost(conns),
	}

	minThr := math.Inf(1)
	for di := range prob.demands {
		thr := prob.throughput(di, conns)
		if thr < minThr {
			minThr = thr
		}
	}
	plan.ThroughputGbps = minThr

	edgeUse := make(map[string]int)
	regionUse := make(map[string]int)
	for di, d := range prob.demands {
		sumThr := prob.throughput(di, conns)
		var assigned int64
		idxs := prob.byDemand[di]
		firstIdx := -1
		for _, i := range idxs {
			if conns[i] == 0 {
				continue
			}
			thr := float64(conns[i]) * prob.flat[i].path.GbpsPerConn
			bytes := int64(float64(d.Bytes) * thr / sumThr)
			assigned += bytes
			plan.Paths = append(plan.Paths, PathAssignment{
				Pair:        d.Pair(),
				Path:        prob.flat[i].path,
				Connections: conns[i],
				Bytes:       bytes,
			})
			if firstIdx < 0 {
				firstIdx = len(plan.Paths) - 1
			}
			for _, e := range prob.flat[i].path.Edges {
				edgeUse[e.Key()] += conns[i]
			}
			for _, r := range prob.flat[i].path.Regions {
				regionUse[r] += conns[i]
			}
		}
		// Rounding remainder lands on the first selected path.
		if firstIdx >= 0 && assigned != d.Bytes {
			plan.Paths[firstIdx].Bytes += d.Bytes - assigned
		}
	}
	sortAssignments(plan.Paths)

	keys := make([]string, 0, len(edgeUse))
	for k := range edgeUse {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, e := range pl.graph.Edges() {
			if e.Key() == k {
				plan.Edges = append(plan.Edges, EdgeUse{Edge: e, Connections: edgeUse[k]})
				break
			}
		}
	}

	for tag, use := range regionUse {
		per := prob.connsPer[tag]
		plan.Instances[tag] = (use + per - 1) / per
	}
	return plan
}
