package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the on-disk form of a transfer graph: region definitions plus
// pairwise throughput/cost measurements.
type Profile struct {
	Regions []Node `yaml:"regions"`
	Edges   []Edge `yaml:"edges"`
}

// LoadProfile reads a YAML topology profile and builds the graph.
func LoadProfile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile builds a graph from YAML profile bytes.
func ParseProfile(data []byte) (*Graph, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse topology profile: %w", err)
	}
	if len(p.Regions) == 0 {
		return nil, fmt.Errorf("topology profile defines no regions")
	}

	g := NewGraph()
	for _, n := range p.Regions {
		if n.Tag == "" {
			return nil, fmt.Errorf("region with empty tag in topology profile")
		}
		if n.MaxInstances <= 0 {
			n.MaxInstances = 1
		}
		if n.ConnsPerInstance <= 0 {
			n.ConnsPerInstance = 32
		}
		g.AddNode(n)
	}
	for _, e := range p.Edges {
		if err := g.AddEdge(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}
