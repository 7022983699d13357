// Package server hosts the Fiber HTTP service, the request middleware chain
// and the app registry that maps Host headers to per-App lifecycle
// controllers. It also owns the upstream HTTP client shared by pass-through
// requests and the cache lifecycle, so keep exports narrow and accept
// explicit dependencies.
package server
