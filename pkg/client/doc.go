/*
Package client implements the caller role of the worker dispatch system.

A client keeps an ordered registry of nodes, picks one per spawn
according to the configured placement policy, deduplicates bundle
uploads by content fingerprint, and surfaces each worker through a
handle that streams stdio, exchanges messages, and reports lifecycle
events.

# Spawn Dataflow

	policy picks node → bundler produces artifact → fingerprint
	  → describe on node → upload on miss → POST /worker
	  → event stream (demultiplexer) + control stream (reconnecting)

# Placement Policies

  - random: uniform over the registered nodes.
  - incremental: round-robin over registration order with a
    monotonically advancing cursor.
  - balancing: round-robin over the nodes with known load samples,
    sorted by descending mean per-core utilization (busiest first).
    Nodes without a sample fall out of consideration; with no samples
    at all the first registered node is used.

# Streams and Reconnection

The event stream is never re-opened: if it ends before a terminal
event, the handle surfaces ErrWorkerDisconnected. The control stream is
stateless on the node side and re-opens transparently for as long as
the worker is alive.

# Health Bookkeeping

Each node's identity is fetched once on first use; a version mismatch
only warns. Load samples refresh every 10 seconds while at least one
worker of that node is live, and the refresh loop stops with the last
worker.
*/
package client
