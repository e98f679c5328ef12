package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/planner"
	"github.com/xutingl/skyplane/pkg/topology"
)

func testPath(regions ...string) planner.Path {
	p := planner.Path{Regions: regions}
	for i := 0; i+1 < len(regions); i++ {
		p.Edges = append(p.Edges, topology.Edge{
			Src: regions[i], Dst: regions[i+1], GbpsPerConn: 1, CostPerGB: 0.01, MaxConns: 8,
		})
	}
	return p
}

func testChunks(n int, length int64) []chunker.Chunk {
	chunks := make([]chunker.Chunk, n)
	for i := range chunks {
		offset := int64(i) * length
		chunks[i] = chunker.Chunk{
			ID:        chunker.ChunkID("job-1", "data/obj", offset),
			SourceKey: "data/obj",
			DestKey:   "data/obj",
			Offset:    offset,
			Length:    length,
		}
	}
	return chunks
}

func TestPlanAssignmentsSplitsByByteShare(t *testing.T) {
	plan := &planner.Plan{
		JobID: "job-1",
		Paths: []planner.PathAssignment{
			{Pair: "aws:a->aws:c", Path: testPath("aws:a", "aws:c"), Connections: 4, Bytes: 100},
			{Pair: "aws:a->aws:c", Path: testPath("aws:a", "gcp:b", "aws:c"), Connections: 4, Bytes: 50},
		},
	}
	gws := map[string][]string{
		"aws:a": {"job-1-aws:a-0"},
		"gcp:b": {"job-1-gcp:b-0"},
		"aws:c": {"job-1-aws:c-0"},
	}

	targets, err := planAssignments(plan, testChunks(5, 30), gws)
	require.NoError(t, err)

	perPath := make(map[string]int)
	for _, segs := range targets {
		perPath[segs[0].Segment.Path]++
	}
	// 150 bytes over a 100/50 split: three chunks direct, two through the relay.
	assert.Equal(t, 3, perPath["aws:a->aws:c"])
	assert.Equal(t, 2, perPath["aws:a->gcp:b->aws:c"])
}

func TestPlanAssignmentsBindsEveryHop(t *testing.T) {
	plan := &planner.Plan{
		JobID: "job-1",
		Paths: []planner.PathAssignment{
			{Pair: "aws:a->aws:c", Path: testPath("aws:a", "gcp:b", "aws:c"), Connections: 4, Bytes: 1 << 20},
		},
	}
	gws := map[string][]string{
		"aws:a": {"job-1-aws:a-0"},
		"gcp:b": {"job-1-gcp:b-0"},
	}

	chunks := testChunks(1, 100)
	targets, err := planAssignments(plan, chunks, gws)
	require.NoError(t, err)

	segs := targets[chunks[0].ID]
	require.Len(t, segs, 2, "a two-edge path needs two segments")

	assert.Equal(t, "job-1-aws:a-0", segs[0].GatewayID)
	assert.Equal(t, 0, segs[0].Segment.Index)
	assert.Equal(t, "aws:a", segs[0].Segment.From)
	assert.Equal(t, "gcp:b", segs[0].Segment.To)

	assert.Equal(t, "job-1-gcp:b-0", segs[1].GatewayID)
	assert.Equal(t, 1, segs[1].Segment.Index)
	assert.Equal(t, "gcp:b", segs[1].Segment.From)
	assert.Equal(t, "aws:c", segs[1].Segment.To)

	owners := ownersOf(targets)
	assert.Equal(t, []string{"job-1-aws:a-0", "job-1-gcp:b-0"}, owners[chunks[0].ID])
}

func TestPlanAssignmentsRoundRobinsInstances(t *testing.T) {
	plan := &planner.Plan{
		JobID: "job-1",
		Paths: []planner.PathAssignment{
			{Pair: "aws:a->aws:c", Path: testPath("aws:a", "aws:c"), Connections: 8, Bytes: 1 << 20},
		},
	}
	gws := map[string][]string{"aws:a": {"gw-0", "gw-1"}}

	chunks := testChunks(4, 100)
	targets, err := planAssignments(plan, chunks, gws)
	require.NoError(t, err)

	counts := make(map[string]int)
	for _, c := range chunks {
		counts[targets[c.ID][0].GatewayID]++
	}
	assert.Equal(t, 2, counts["gw-0"])
	assert.Equal(t, 2, counts["gw-1"])
}

func TestPlanAssignmentsErrors(t *testing.T) {
	_, err := planAssignments(&planner.Plan{}, testChunks(1, 100), nil)
	assert.Error(t, err, "a plan with no paths cannot route chunks")

	plan := &planner.Plan{
		Paths: []planner.PathAssignment{
			{Pair: "aws:a->aws:c", Path: testPath("aws:a", "aws:c"), Connections: 4, Bytes: 1 << 20},
		},
	}
	_, err = planAssignments(plan, testChunks(1, 100), map[string][]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gateway provisioned in aws:a")
}

func TestPlanAssignmentsDeterministic(t *testing.T) {
	plan := &planner.Plan{
		JobID: "job-1",
		Paths: []planner.PathAssignment{
			{Pair: "aws:a->aws:c", Path: testPath("aws:a", "aws:c"), Connections: 4, Bytes: 200},
			{Pair: "aws:a->aws:c", Path: testPath("aws:a", "gcp:b", "aws:c"), Connections: 4, Bytes: 100},
		},
	}
	gws := map[string][]string{
		"aws:a": {"gw-a0", "gw-a1"},
		"gcp:b": {"gw-b0"},
	}
	chunks := testChunks(7, 40)

	first, err := planAssignments(plan, chunks, gws)
	require.NoError(t, err)
	second, err := planAssignments(plan, chunks, gws)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
