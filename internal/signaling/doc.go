// Package signaling is the rendezvous request surface: a Dispatcher that maps
// request envelopes onto the registry, the POST /signaling handlers, and the
// /signaling/ws WebSocket transport that pushes relayed messages to bound
// peers.
package signaling
