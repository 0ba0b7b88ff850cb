// Package pulseclient implements the client-side connection core of a
// local audio-server client library: it establishes a transport
// connection to an audio daemon over an ordered set of candidate
// endpoints, authenticates, negotiates protocol capabilities, multiplexes
// a tagged request/reply protocol, routes server-initiated media frames
// to per-stream queues, and exposes the resulting state machine as the
// foundation higher-level stream and introspection APIs build on.
//
// The core is driven entirely by a caller-supplied event loop
// (internal/mainloop.Loop): every user-visible callback runs on that
// loop's goroutine, never concurrently with another callback from the
// same Context.
package pulseclient
