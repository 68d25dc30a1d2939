// Package cache holds the image cache providers consulted by the serving
// pipeline. Three providers share one contract:
//
//   - passthrough: never hits, stores nothing;
//   - cdn: looks images up on a delegated CDN origin, stores nothing locally;
//   - sharded: content-addressed files under <dir>/<shard>/<file>, where the
//     shard is the first two hex characters of sha1(upstream path) and the file
//     name the last 24. A background loop rescans shards round-robin and a
//     separate timer persists the shard index to <dir>/shards.json so restarts
//     resume with approximately-correct size accounting.
//
// Writes go through a Sink (temp file + rename) so a client abort never leaves
// a truncated image behind.
package cache
