// Package client implements the caller role: node registration, placement,
// bundle upload dedupe, and worker handles with reconnecting control
// streams.
package client

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hackermondev/worker-threads-clusters/pkg/bundle"
	"github.com/hackermondev/worker-threads-clusters/pkg/log"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

// Config holds client configuration.
type Config struct {
	// Policy picks the node for each spawn; defaults to PolicyRandom.
	Policy Policy

	// Bundler produces artifacts from entrypoints; defaults to the
	// identity FileBundler.
	Bundler bundle.Bundler

	// MergeCallerEnv copies the caller's environment into spawns that
	// carry none. Opt-in so credentials never leak by default.
	MergeCallerEnv bool
}

// Client dispatches workers across a fleet of registered nodes.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	nodes         []*NodeClient
	cursor        int
	balanceCursor int
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Policy == "" {
		cfg.Policy = PolicyRandom
	}
	if cfg.Bundler == nil {
		cfg.Bundler = &bundle.FileBundler{}
	}
	return &Client{
		cfg:    cfg,
		logger: log.WithComponent("client"),
	}
}

// AddNode registers a node by URL, credentials in the userinfo.
// Registration order is preserved for incremental rotation.
func (c *Client) AddNode(rawURL string) error {
	node, err := NewNodeClient(rawURL)
	if err != nil {
		return err
	}
	c.addNode(node)
	return nil
}

// AddNodeWithCredentials registers a node with an explicit credential
// pair.
func (c *Client) AddNodeWithCredentials(rawURL string, creds types.Credentials) error {
	node, err := NewNodeClientWithCredentials(rawURL, creds)
	if err != nil {
		return err
	}
	c.addNode(node)
	return nil
}

func (c *Client) addNode(node *NodeClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = append(c.nodes, node)
}

// Nodes returns the registered nodes in registration order.
func (c *Client) Nodes() []*NodeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*NodeClient{}, c.nodes...)
}

// Close stops every node's refresh loop.
func (c *Client) Close() {
	for _, n := range c.Nodes() {
		n.Close()
	}
}

// Spawn dispatches an entrypoint to a node chosen by the placement policy
// and returns a live handle. Placement and upload failures surface here;
// post-launch failures arrive as handle events.
func (c *Client) Spawn(ctx context.Context, entrypoint string, opts *types.SpawnOptions) (*Handle, error) {
	c.mu.Lock()
	node, err := c.pickNode()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &types.SpawnOptions{}
	}
	if c.cfg.MergeCallerEnv && opts.Env == nil {
		opts.Env = callerEnv()
	}

	artifact, err := c.cfg.Bundler.Bundle(ctx, entrypoint)
	if err != nil {
		return nil, fmt.Errorf("failed to bundle entrypoint: %w", err)
	}
	hash, _, err := bundle.Fingerprint(artifact)
	if err != nil {
		os.Remove(artifact)
		return nil, err
	}
	err = node.EnsureBundle(ctx, artifact, hash)
	os.Remove(artifact)
	if err != nil {
		return nil, err
	}

	// Identity check is best-effort; a mismatched version only warns.
	if _, err := node.Info(ctx); err != nil {
		c.logger.Warn().Err(err).Str("node", node.URL()).Msg("Node identity fetch failed")
	}

	id, body, cancel, err := node.CreateWorker(ctx, &types.CreateWorkerRequest{
		BundleHash:       hash,
		ExtraData:        *opts,
		ExitOnRequestEnd: true,
	})
	if err != nil {
		return nil, err
	}

	h := newHandle(id, node, opts.Stdin, cancel)
	node.workerStarted()
	go h.demux(body)

	c.logger.Debug().Str("worker_id", id).Str("node", node.URL()).Msg("Worker spawned")
	return h, nil
}

func callerEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
