// Package session tracks live websocket connections in Redis. Each open
// connection gets a hash keyed by its connection id so operators can see
// which user is connected where, and other server instances can tell a
// user's home server.
package session
