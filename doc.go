// Package loom is a multi-worker actor runtime. A process hosts many
// independent services, each with a private mailbox and a
// single-threaded execution context. Services send asynchronous
// messages by numeric address, correlate request/response pairs with
// session identifiers, schedule timers, and perform non-blocking
// networking over length-prefixed, line-delimited, byte-count or
// WebSocket TCP connections.
//
// Workers own services: the high 16 bits of every service id name its
// worker, so routing is a shift instead of a map lookup. Each worker
// runs one cooperative loop interleaving mailbox drain, timer ticks
// and socket events; while a service's Dispatch runs, no other
// message for that service is delivered.
package loom
