package service

import (
	"fmt"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/planner"
)

// segmentTarget is one hop of one chunk's route, bound to the gateway that
// will carry it.
type segmentTarget struct {
	GatewayID string
	Segment   control.Segment
}

// planAssignments routes chunks over the plan's paths in proportion to each
// path's planned byte share and binds every hop to a gateway. Deterministic:
// the same plan, chunk order, and gateway lists always produce the same
// routing, which keeps re-assignment after a restart idempotent.
func planAssignments(plan *planner.Plan, chunks []chunker.Chunk, gatewaysByRegion map[string][]string) (map[string][]segmentTarget, error) {
	if len(plan.Paths) == 0 {
		return nil, fmt.Errorf("plan has no paths")
	}

	// Remaining byte share per path; each chunk goes to the path with the
	// most headroom, ties to the plan's canonical order.
	remaining := make([]int64, len(plan.Paths))
	for i, pa := range plan.Paths {
		remaining[i] = pa.Bytes
	}

	rr := make(map[string]int) // per-region round robin over instances
	targets := make(map[string][]segmentTarget, len(chunks))

	for _, c := range chunks {
		pi := 0
		for i := 1; i < len(remaining); i++ {
			if remaining[i] > remaining[pi] {
				pi = i
			}
		}
		remaining[pi] -= c.Length

		path := plan.Paths[pi].Path
		route := path.String()
		for hop := 0; hop < path.Hops(); hop++ {
			region := path.Regions[hop]
			gws := gatewaysByRegion[region]
			if len(gws) == 0 {
				return nil, fmt.Errorf("no gateway provisioned in %s", region)
			}
			gw := gws[rr[region]%len(gws)]
			rr[region]++
			targets[c.ID] = append(targets[c.ID], segmentTarget{
				GatewayID: gw,
				Segment: control.Segment{
					Path:  route,
					Index: hop,
					From:  path.Regions[hop],
					To:    path.Regions[hop+1],
				},
			})
		}
	}
	return targets, nil
}

// ownersOf derives the per-chunk gateway list, hop order, from the routing.
func ownersOf(targets map[string][]segmentTarget) map[string][]string {
	owners := make(map[string][]string, len(targets))
	for chunkID, segs := range targets {
		for _, st := range segs {
			owners[chunkID] = append(owners[chunkID], st.GatewayID)
		}
	}
	return owners
}
