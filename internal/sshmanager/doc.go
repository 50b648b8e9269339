// Package sshmanager owns the authenticated SSH transports the daemon keeps
// open to remote hosts.
//
// Each transport is registered under a caller-chosen connection id. The
// registry holds at most one live transport per id: [Manager.Connect] first
// removes and closes any transport already registered under the id, then
// dials, so two transports never coexist for one id.
//
// # Connection Lifecycle
//
//  1. Connect: the manager dials host:port with a bounded timeout, performs
//     the handshake and authenticates with exactly one [AuthMethod]. Host keys
//     are not verified. On success it runs "echo $HOME" to learn the remote
//     home directory, falling back to "/root".
//
//  2. Connected: other engines borrow the *ssh.Client through
//     [Manager.Client], which only succeeds while the status is
//     [StatusConnected]. They open their own channels and never hold the
//     registry lock across network I/O.
//
//  3. Health: a cron job sends keepalive@openssh.com on every transport. A
//     transport that fails it, or whose connection drops, is marked
//     [StatusError] and closed. There is no automatic reconnect.
//
//  4. Disconnect: [Manager.Disconnect] removes the transport and closes it,
//     which tears down every channel opened on it.
//
// # Rate Limiting
//
// The [RateLimiter] refuses connect attempts for an id that has exceeded
// its per-minute budget or failed too many times in a row.
//
// # Remote Commands
//
// [Manager.RunCommand] runs one command through an exec channel and
// returns its trimmed stdout. [Manager.GitRun] builds the
// "cd '<path>' && git <args>" form with POSIX single-quote escaping.
package sshmanager
