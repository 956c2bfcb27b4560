// Package cache is the content-addressed artifact store shared by the
// synthesis and rendering stages.
//
// Entries live at <root>/<stage>/<key[0:2]>/<key>/ and hold one artifact file
// plus an entry.json sidecar. Entries are written into a temporary directory
// and renamed into place, so readers never observe a partial entry and an
// interrupted run leaves every completed artifact intact. Compressible
// artifacts (PCM audio) are stored zstd-compressed and expanded on read.
//
// Concurrency:
//   - Do collapses concurrent work for one key into a single in-flight call.
//   - Runs hold a shared file lock on the root; `talkingheads cache prune`
//     takes the exclusive lock so it never deletes entries a run is reading.
//
// # Size Management
//
// The cache enforces a configurable size budget (storage.cache_max_gib) and a
// 10% free-space floor on the underlying volume. Pruning removes the least
// recently used entries first.
package cache
