package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xutingl/skyplane/pkg/topology"
)

// Demand is the byte volume to move between one source→destination region
// pair.
type Demand struct {
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	Bytes int64  `json:"bytes"`
}

// Pair returns the demand's region pair tag.
func (d Demand) Pair() string { return d.Src + "->" + d.Dst }

// Constraints bound the planner's search.
type Constraints struct {
	BudgetUSD float64 `json:"budget_usd"` // 0 or negative = unlimited
	MaxHops   int     `json:"max_hops"`   // max edges per path, default 3
	// Overrides; 0 means use the per-node / per-edge values from the graph.
	MaxInstancesPerRegion int `json:"max_instances_per_region,omitempty"`
	MaxConnsPerEdge       int `json:"max_conns_per_edge,omitempty"`
}

// Path is one candidate route through the graph.
type Path struct {
	Regions     []string        `json:"regions"`
	Edges       []topology.Edge `json:"edges"`
	GbpsPerConn float64         `json:"gbps_per_conn"` // min over edges
	CostPerGB   float64         `json:"cost_per_gb"`   // sum over edges
}

// Hops returns the number of edges in the path.
func (p Path) Hops() int { return len(p.Edges) }

func (p Path) String() string { return strings.Join(p.Regions, "->") }

// PathAssignment is a chosen path with its integer parallelism and the byte
// share routed over it.
type PathAssignment struct {
	Pair        string `json:"pair"`
	Path        Path   `json:"path"`
	Connections int    `json:"connections"`
	Bytes       int64  `json:"bytes"`
}

// EdgeUse is the aggregate parallelism assigned to one edge.
type EdgeUse struct {
	Edge        topology.Edge `json:"edge"`
	Connections int           `json:"connections"`
}

// Plan is the planner's output artifact: the selected subgraph with per-edge
// parallelism and per-region instance counts. The provisioning collaborator
// realizes it; each gateway reads its segment assignments from it.
type Plan struct {
	JobID          string           `json:"job_id"`
	Paths          []PathAssignment `json:"paths"`
	Edges          []EdgeUse        `json:"edges"`
	Instances      map[string]int   `json:"instances"` // region tag -> instance count
	ThroughputGbps float64          `json:"throughput_gbps"`
	CostUSD        float64          `json:"cost_usd"`
}

// InfeasibleError reports the region pairs no feasible subgraph can connect
// within the constraints.
type InfeasibleError struct {
	Pairs []string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("planning infeasible: no path within constraints for %s",
		strings.Join(e.Pairs, ", "))
}

// sortAssignments puts path assignments into the plan's canonical order.
func sortAssignments(assignments []PathAssignment) {
	sort.Slice(assignments, func(i, j int) bool {
		a, b := assignments[i], assignments[j]
		if a.Pair != b.Pair {
			return a.Pair < b.Pair
		}
		return a.Path.String() < b.Path.String()
	})
}
