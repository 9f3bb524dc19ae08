// Package storage persists the runner's execution history and hands out
// per-bot storage folders.
//
// The history store is append-only and diagnostic: the runner never reads it
// back to make scheduling decisions, so losing it is harmless. Two drivers
// exist: "file" (jsonl, dependency-free) and "sqlite" (behind the sqlite
// build tag). An empty or "none" driver disables history entirely.
package storage
