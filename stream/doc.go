// Package stream implements the ordered progress protocol shared by every
// execution engine: a typed, append-only chunk stream keyed by message
// identity with strictly increasing per-message sequence numbers.
//
// Producers use an Emitter (usually through a MessageEmitter bound to one
// execution) to push chunks to registered sinks. The Collector is the
// consumer side: it buffers chunks per message, derives and persists a turn
// summary the instant a terminal chunk arrives, and recovers from producers
// that crash without completing via a staleness timeout.
package stream
