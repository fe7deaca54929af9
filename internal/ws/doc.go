// Package ws keeps track of live WebSocket connections and rooms and runs
// the per-connection message loop for event and stream endpoints.
//
// The registry never takes a global lock: connections and rooms live in
// hash-striped shards, and each connection guards its own room set.
// Lock order is connection, then room shard.
//
// Transport details (framing, pings, deadlines) are behind Transport; see
// internal/ws/gorillaws for the gorilla/websocket adapter.
package ws
