// Package agent defines the contract between the orchestration core and
// pluggable analysis agents.
//
// An agent is an independent analysis unit (market sizing, competitive
// analysis, pricing, ...) that declares its capability up front and is
// invoked by the orchestrator in dependency order. The core never inspects
// an agent's scoring internals; it only relies on the Capability declaration
// and the Execute/HealthCheck lifecycle.
package agent
