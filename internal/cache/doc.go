// Package cache defines the disk-backed store that backs every named cache of
// an application: StoragePath/<app>/<cache>/<key>.body plus a JSON sidecar with
// the response status and headers. Writes go through temp file + rename so a
// crash never leaves a half-written body behind a valid key. The worker
// package layers its staging, content and manifest-snapshot caches on top of
// Region handles; proxy handlers only ever see the resulting http responses.
package cache
