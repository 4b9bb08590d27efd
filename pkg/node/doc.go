/*
Package node implements the server role of the worker dispatch system.

A node hosts the content-addressed bundle cache, creates and owns child
processes, and serves the long-lived HTTP streams that carry lifecycle
events toward clients and control records back from them.

# Architecture

	┌─────────────────────── NODE ─────────────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │              HTTP Surface (mux)             │          │
	│  │                                             │          │
	│  │  GET  /               identity + version    │          │
	│  │  GET  /health         per-core load sample  │          │
	│  │  GET  /metrics        prometheus            │          │
	│  │  POST /bundles/create reserve slot          │          │
	│  │  GET  /bundles/{hash} describe              │          │
	│  │  POST /bundles/{hash}/data upload           │          │
	│  │  GET  /workers        live identifiers      │          │
	│  │  POST /worker         create + event stream │          │
	│  │  GET  /worker/{id}/streams-pipe  attach     │          │
	│  │  POST /worker/{id}/streams-pipe  control    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Worker Registry                │          │
	│  │  worker id → Worker (live only)             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │                Worker                       │          │
	│  │  - owns one child via the host interface    │          │
	│  │  - pumps stdout/stderr/messages to readers  │          │
	│  │  - tracks pending → online → exited         │          │
	│  │  - exit-on-disconnect grace window          │          │
	│  └────────────────────────────────────────────┘          │
	└───────────────────────────────────────────────────────────┘

# Event Ordering

Per worker, the online record strictly precedes every data record, and
the terminal record (exit or error) is written last, exactly once. The
data pumps are gated on the online announcement and the exit watcher
waits for the pumps to drain before writing the terminal record.

# Exit on Disconnect

A worker created with exitOnRequestEnd survives the loss of its creating
stream for a short grace window (1 second by default). Any reader
attaching within the window cancels the scheduled termination, so brief
network interruptions do not kill the child.

# Authentication

Every route sits behind HTTP basic auth with the node's static
credential pair, realm "worker_threads_nodes".
*/
package node
