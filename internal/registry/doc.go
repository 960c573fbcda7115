// Package registry holds the rendezvous state: registered peers, rooms and the
// per-peer relay mailboxes.
//
// All state is transient. A Registry owns every store and serializes access
// with a single mutex; the individual stores are not safe for concurrent use on
// their own.
package registry
