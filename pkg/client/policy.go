package client

import (
	"math/rand"
	"sort"

	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

// Policy selects which node receives each spawn.
type Policy string

const (
	// PolicyRandom picks uniformly over the registered nodes.
	PolicyRandom Policy = "random"

	// PolicyIncremental round-robins over registration order.
	PolicyIncremental Policy = "incremental"

	// PolicyBalancing round-robins over the nodes with known load
	// samples, ordered by descending mean per-core utilization
	// (busiest first).
	PolicyBalancing Policy = "balancing"
)

// pickNode applies the configured policy. Callers hold c.mu.
func (c *Client) pickNode() (*NodeClient, error) {
	if len(c.nodes) == 0 {
		return nil, types.ErrNoNodeAvailable
	}
	switch c.cfg.Policy {
	case PolicyIncremental:
		node := c.nodes[c.cursor%len(c.nodes)]
		c.cursor++
		return node, nil
	case PolicyBalancing:
		return c.pickBalancing(), nil
	default:
		return c.nodes[rand.Intn(len(c.nodes))], nil
	}
}

func (c *Client) pickBalancing() *NodeClient {
	type scored struct {
		node *NodeClient
		mean float64
	}
	var candidates []scored
	for _, n := range c.nodes {
		if sample := n.LoadSample(); sample != nil {
			candidates = append(candidates, scored{node: n, mean: sample.MeanUsage()})
		}
	}
	if len(candidates) == 0 {
		return c.nodes[0]
	}
	// Busiest first; ties stay in registration order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].mean > candidates[j].mean
	})
	node := candidates[c.balanceCursor%len(candidates)].node
	c.balanceCursor++
	return node
}
