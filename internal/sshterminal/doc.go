// Package sshterminal runs interactive shells on SSH connections and streams
// their output with the same event contract as local terminals.
//
// Every session is driven by one goroutine that selects over cancellation,
// output read from the channel, queued writes and queued resizes, so events
// for a session are emitted in the order the bytes arrived. The session's
// exit event is always its last.
//
// Close is fire-and-observe: it cancels the session and removes it from the
// registry but does not wait for the goroutine. A session whose connection
// is closed fails its next read and exits on its own.
//
// Resize is applied on the remote PTY with a window-change request.
package sshterminal
