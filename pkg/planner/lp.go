package planner

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// solveLP solves the relaxation of the connection-allocation problem with the
// simplex method and rounds the solution down to integers. The caller verifies
// the rounded allocation and falls back to the greedy heuristic when a
// constraint no longer holds.
//
// Variables: one connection count per candidate path, one bottleneck
// throughput variable t, and one slack per constraint row. The objective
// maximizes t; per-demand rows force t ≤ delivered throughput, so t settles at
// the minimum across source→destination pairs.
func solveLP(p *problem) ([]int, error) {
	nPaths := len(p.flat)
	if nPaths == 0 {
		return nil, fmt.Errorf("no candidate paths")
	}

	type row struct {
		coeffs map[int]float64 // path var index -> coefficient
		tCoeff float64
		rhs    float64
	}
	var rows []row

	// Edge capacity rows, in canonical edge order.
	edgeKeys := make([]string, 0, len(p.edgeCap))
	for k := range p.edgeCap {
		edgeKeys = append(edgeKeys, k)
	}
	sort.Strings(edgeKeys)
	for _, key := range edgeKeys {
		r := row{coeffs: make(map[int]float64), rhs: float64(p.edgeCap[key])}
		used := false
		for i, ref := range p.flat {
			if ref.path.usesEdge(key) {
				r.coeffs[i] = 1
				used = true
			}
		}
		if used {
			rows = append(rows, r)
		}
	}

	// Region connection-limit rows.
	regionTags := make([]string, 0, len(p.regionCap))
	for tag := range p.regionCap {
		regionTags = append(regionTags, tag)
	}
	sort.Strings(regionTags)
	for _, tag := range regionTags {
		r := row{coeffs: make(map[int]float64), rhs: float64(p.regionCap[tag])}
		used := false
		for i, ref := range p.flat {
			if ref.path.visitsRegion(tag) {
				r.coeffs[i] = 1
				used = true
			}
		}
		if used {
			rows = append(rows, r)
		}
	}

	// Budget rows, linearized per demand: with bytes split in proportion to
	// delivered throughput, average $/GB stays within budget/volume exactly
	// when sum(thr_i * (cost_i - allowed) * x_i) <= 0.
	if p.budgetUSD > 0 {
		var totalGB float64
		for _, d := range p.demands {
			totalGB += float64(d.Bytes) / bytesPerGB
		}
		if totalGB > 0 {
			allowed := p.budgetUSD / totalGB
			for di := range p.demands {
				r := row{coeffs: make(map[int]float64), rhs: 0}
				for _, i := range p.byDemand[di] {
					pa := p.flat[i].path
					r.coeffs[i] = pa.GbpsPerConn * (pa.CostPerGB - allowed)
				}
				rows = append(rows, r)
			}
		}
	}

	// Bottleneck rows: t - sum(thr_i * x_i) <= 0 per demand.
	for di := range p.demands {
		r := row{coeffs: make(map[int]float64), tCoeff: 1, rhs: 0}
		for _, i := range p.byDemand[di] {
			r.coeffs[i] = -p.flat[i].path.GbpsPerConn
		}
		rows = append(rows, r)
	}

	// Standard form: one slack variable per row.
	m := len(rows)
	tVar := nPaths
	nVars := nPaths + 1 + m

	c := make([]float64, nVars)
	c[tVar] = -1 // maximize t

	a := mat.NewDense(m, nVars, nil)
	b := make([]float64, m)
	for ri, r := range rows {
		for i, coeff := range r.coeffs {
			a.Set(ri, i, coeff)
		}
		a.Set(ri, tVar, r.tCoeff)
		a.Set(ri, nPaths+1+ri, 1)
		b[ri] = r.rhs
	}

	_, x, err := lp.Simplex(c, a, b, 1e-10, nil)
	if err != nil {
		return nil, fmt.Errorf("simplex failed: %w", err)
	}

	conns := make([]int, nPaths)
	for i := 0; i < nPaths; i++ {
		conns[i] = int(math.Floor(x[i] + 1e-9))
	}
	return conns, nil
}
