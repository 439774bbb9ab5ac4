// Package relay moves datagrams between the control plane and UDP peers.
//
// A Session owns one bound endpoint, one control plane client, a fresh peer
// registry and a failure Signal. Its stream consumer turns envelopes from
// the control plane's event stream into datagrams (probing each new peer
// once first) and its listener relays every non-empty datagram back to the
// control plane. Either loop failing sets the Signal.
//
// The Supervisor owns the lifecycle:
//
//	WaitingForControlPlane --ping ok--> Running --signal--> Draining --> WaitingForControlPlane
//
// Draining cancels both loops, waits for them, and closes the client and the
// socket before anything new is built.
package relay
