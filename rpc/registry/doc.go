// Package registry keeps track of the open connections of a process, one entry per
// client context handle.
//
// Each entry owns the socket to its daemon and the communication buffer used for
// every call on that context. The entry lock serializes calls on a handle, calls on
// different handles run concurrently. The table lock is only held to insert, unlink
// or look up entries (and, in Get, while waiting for the entry lock).
//
// A Registry is created by the composition root with NewRegistry and torn down with
// Shutdown; there is no package level instance.
package registry
