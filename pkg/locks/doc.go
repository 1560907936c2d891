// Package locks provides advisory document locks used to serialize
// mutations of shared documents across concurrently running workflow
// instances.
//
// A lock is identified by a key (the rendered identity of the document)
// and held by an owner (the workflow instance id). Acquisition is
// reentrant per owner: an owner that already holds a key re-acquires it
// immediately. This is what keeps replayed workflow code from blocking on
// its own lock.
//
// Two implementations are provided:
//
//   - Memory: an in-process keyed mutex, suitable for a single node.
//   - Redis: a lease held with SET NX PX and released with an owner-checked
//     script, suitable for several nodes sharing one Redis.
package locks
