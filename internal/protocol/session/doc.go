// Package session is the reliability layer of the mesh.
//
// Ownership boundary:
// - per-peer outbound sequence numbers
// - per-source duplicate suppression (dedup window)
// - pending ACK outbox, retransmission and delivery failure reporting
//
// Nothing here touches a radio directly; frames leave through a Sender.
package session
