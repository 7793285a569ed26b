// Package regencache implements a regenerative distributed cache
// coordinator: a two-tier cache (per-process memory + a shared external
// store) that proactively regenerates each entry in the background at a
// fixed interval, coordinating across a farm of nodes so that at most
// one node at a time recomputes a given key.
//
// Consumers call GetOrAdd with a key, a generation callback, a
// regeneration interval and an inactive-retention window; the value
// returned is always the freshest cached one, and two concurrent callers
// for the same key never both pay for regeneration.
//
// The coordination engine is built from five cooperating components,
// each in its own package: a process-local named-lock table (lockset),
// a memory-fronted external cache (mfec), a correlated-await manager
// (awaiter), a scheduled-trigger manager (trigger) and the timestamped
// value codec (codec). Manager in this package stitches them together
// over a caller-supplied ExternalCache, DistributedLockFactory and
// FanOutBus.
package regencache
