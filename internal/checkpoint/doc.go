// Package checkpoint persists runs: an append-only JSONL journal per run
// holding the run header, every delegation record, every phase checkpoint
// and status change, plus one context snapshot file per checkpoint.
//
// Layout:
//
//	<dir>/runs/<runID>/journal.jsonl
//	<dir>/runs/<runID>/context/<checkpointID>.json
package checkpoint
