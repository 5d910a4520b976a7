// Package keel is an execution runtime for LLM agents in Go.
//
// It provides the moving parts an agent host needs: a Think/Act/Observe
// agent loop, a multi-strategy tool pipeline guarded by a circuit breaker,
// a priority event queue with resource-aware backpressure and an adaptive
// autoscaler, a dead-letter queue for exhausted events, and append-only
// persistence for snapshots and event replay.
//
// # Quick Start
//
// Wire an agent from a planner and a tool registry:
//
//	registry := keel.NewFuncRegistry()
//	registry.Register("search", searchTool)
//
//	agent, err := keel.NewAgent("assistant", planner, registry,
//		keel.WithMaxIterations(10),
//	)
//	if err != nil {
//		return err
//	}
//
//	result, err := agent.Run(ctx, "find the latest release notes", keel.PlannerMetadata{})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Planner]: decides the next action and interprets results (LLM adapter)
//   - [ToolExecutor], [ToolRegistry]: named tool execution
//   - [Persistor]: append-only snapshot log (file, memory, store/sqlite)
//   - [EventStore]: ordered event log with timestamp replay
//   - [Bus]: async event routing with at-least-once delivery
//   - [Emitter]: best-effort lifecycle event sink
//   - [Tracer]: span creation, implemented by the observer package
//
// # Included Implementations
//
// Persistence: FilePersistor (JSONL), MemoryPersistor, store/sqlite,
// store/postgres (event store). Buses: InMemoryBus over EventQueue.
// Observability: observer (OTEL traces, metrics, and logs over OTLP).
// Configuration: config (TOML).
package keel
