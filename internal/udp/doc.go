// Package udp provides the relay's UDP endpoint: the single host-visible
// socket used both to punch holes toward peers and to receive their
// datagrams.
//
// # Lifecycle
//
//  1. Bind opens the socket; a failed bind waits out a cooldown before
//     returning ErrBind so a restarting caller cannot hot-loop.
//  2. Send and Receive run independently on the same socket.
//  3. Close releases the socket exactly once.
//
// Receive honours context cancellation by expiring the read deadline, so a
// pending read unwinds promptly without closing the socket underneath it.
package udp
