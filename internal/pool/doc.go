// Package pool keeps a bounded set of open upstream transports per target.
//
// A Pool hands out exclusive Connections. Idle connections are reused in
// LIFO order so the warmest one is picked first; connections that failed,
// outlived max_lifetime or sat idle past idle_timeout are closed instead of
// being reused. A background sweep pings idle connections that have not
// been used recently and refills the pool to min_connections.
package pool
