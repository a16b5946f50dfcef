// Package deduplication provides the detection pipeline for duplicate records.
//
// # Overview
//
// Detection runs per DeduplicationConfig. Each rule of the config produces
// raw id-sets of records sharing a field value. The raw sets are coalesced
// into maximal clusters, checked against the clusters already materialized
// for the config, scored, and given a provisional master.
//
// # Pipeline
//
//  1. Evaluator: one rule to a list of id-sets (via recordstore.Adapter.GroupByField)
//  2. Coalesce: union-find closure of the sets of every rule
//  3. GroupIndex.Classify: skip sets already covered by an active group,
//     replace active groups that a new set strictly extends
//  4. Score: mean per-rule pairwise agreement in [0,1]
//  5. MasterElector: deterministic choice of the surviving record
//
// Persistence, retries and merging live in the storage, orchestrator and
// merge packages; everything here is pure apart from the Evaluator's calls
// into the adapter.
//
// # Configuration
//
// Config carries the engine knobs shared by every dedup config:
//   - CommitEvery: groups created per transaction (default 1000)
//   - Coalesce: union overlapping sets across rules (default true)
//   - MaxRetries and backoff: retries of transient record store errors
//   - MasterFlagFields: boolean fields that win master election (default is_company)
package deduplication
