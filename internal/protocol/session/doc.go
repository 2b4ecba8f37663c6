// Package session implements the AMQP session engine.
//
// Ownership boundary:
// - begin/end state machine for one channel
// - outgoing and incoming transfer windows
// - link handle tables and attach/detach
// - flow and disposition demultiplexing to link endpoints
//
// A Session is driven by one reader calling HandleFrame and any number of
// senders calling SendTransfer. Every frame the session writes goes through
// one send lock, so frames reach the FrameWriter in the order they were
// committed.
package session
