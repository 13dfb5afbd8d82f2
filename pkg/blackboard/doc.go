// Package blackboard provides the versioned, structured state container shared by
// every agent taking part in a single task run.
//
// # Overview
//
// The blackboard replaces peer-to-peer messaging between agents. Agents never talk
// to each other; they read a slice of the blackboard and the conductor commits what
// they produce back into it. A run owns exactly one Store and nothing in this
// package is process-global, so independent runs can execute side by side.
//
// # Core Concepts
//
// The State holds the immutable objective and constraints, the plan, the workspace,
// open hypotheses, per-field consensus records, the three memory tiers and the
// step/token counters.
//
// Artifacts are the workspace entries. Every commit to a field produces a new
// Artifact with the next version number; earlier versions are kept in the backend
// and can be read back with ReadVersion or History. Commits use optimistic
// concurrency: the caller states the version it believes is current and the commit
// fails with a ConflictError when that belief is stale.
//
// Consensus records track the write→review cycle of a field. At most one record per
// field can be pending review at any time; OpenConsensus fails with a
// ConsensusConflictError otherwise.
//
// # Persistence
//
// The Store persists through the Backend interface (Get, Set with expected version,
// List by prefix). MemoryBackend keeps everything in process; RedisBackend stores
// values in Redis hashes and performs the version check atomically in a Lua script.
//
// # Usage Example
//
//	backend := blackboard.NewMemoryBackend()
//	store, err := blackboard.Create(ctx, backend, blackboard.Seed{
//		Objective: "merge two sorted sequences",
//		Plan: []blackboard.PlanStep{
//			{ID: "write_code", TargetField: "code", Agent: "code_generator"},
//		},
//	})
//	if err != nil {
//		return err
//	}
//
//	v, err := store.Commit(ctx, "code", blackboard.Artifact{
//		Content:  "func merge(a, b []int) []int { ... }",
//		Producer: "code_generator",
//	}, 0)
package blackboard
