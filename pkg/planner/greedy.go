package planner

import "sort"

// solveGreedy allocates connections one at a time. Phase one gives every
// demand its best single connection; phase two repeatedly augments whichever
// demand currently has the lowest delivered throughput. Candidate paths are
// pre-sorted (lower cost, fewer hops, lexicographically smaller route), so for
// equal per-connection throughput the cheaper path wins and the result is
// deterministic.
func solveGreedy(p *problem) ([]int, bool) {
	conns := make([]int, len(p.flat))

	// Every demand needs at least one connection before augmentation, or an
	// early demand could spend the entire budget and strand a later one.
	for di := range p.demands {
		if best := p.bestAddition(di, conns); best >= 0 {
			conns[best]++
		}
	}
	if !p.servesAll(conns) {
		return conns, false
	}

	for {
		// Only demands at the current bottleneck can raise the objective.
		minThr := p.throughput(0, conns)
		for di := 1; di < len(p.demands); di++ {
			if thr := p.throughput(di, conns); thr < minThr {
				minThr = thr
			}
		}
		order := make([]int, 0, len(p.demands))
		for di := range p.demands {
			if p.throughput(di, conns) == minThr {
				order = append(order, di)
			}
		}
		sort.Slice(order, func(i, j int) bool {
			return p.demands[order[i]].Pair() < p.demands[order[j]].Pair()
		})

		added := false
		for _, di := range order {
			if best := p.bestAddition(di, conns); best >= 0 {
				conns[best]++
				added = true
				break
			}
		}
		if !added {
			return conns, true
		}
	}
}

// bestAddition returns the flat path index whose next connection keeps the
// allocation feasible and yields the highest per-connection throughput, or -1
// when no addition is feasible for the demand.
func (p *problem) bestAddition(demand int, conns []int) int {
	best := -1
	var bestThr float64
	for _, i := range p.byDemand[demand] {
		conns[i]++
		ok := p.feasible(conns)
		conns[i]--
		if !ok {
			continue
		}
		thr := p.flat[i].path.GbpsPerConn
		if best == -1 || thr > bestThr {
			best = i
			bestThr = thr
		}
	}
	return best
}
