// Package worker implements the cache lifecycle of an offline-capable web app:
// install pre-fetches the shell into a staging cache, activate reconciles the
// persistent content cache against the previous manifest snapshot, and fetch
// serves manifest resources cache-first (network-first for the root document).
//
// A Worker is bound to one manifest version. A Registration owns the active and
// waiting workers of one app and is what the HTTP layer talks to.
package worker
