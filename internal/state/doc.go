// Package state owns the authoritative record of every pipeline run.
//
// The [Manager] keeps each pipeline's [pipeline.PipelineState] in memory and
// mutates it only under that pipeline's lock. Every update appends a
// [pipeline.StateSnapshot] to the pipeline's history. When a storage.KV is
// configured, state and history are written through to it; when a
// storage.Blob is configured, checkpoints are stored there as well. Backend
// failures are logged and counted but never fail the caller: memory stays
// authoritative.
//
// # Checkpoints
//
// A checkpoint is a self-describing blob (see [EncodeCheckpoint]) with an
// optional expiry. Checkpoints are taken automatically according to the
// configured [Strategy] after successful stage updates, or explicitly with
// [Manager.CreateCheckpoint]. [Manager.RestoreFromCheckpoint] can restore a
// checkpoint written by a different process as long as both share the blob
// backend.
package state
