// Package protocol owns the headunit mesh wire vocabulary.
//
// Ownership boundary:
// - address space and device kinds
// - message type table (class, direction, payload bounds)
// - error taxonomy shared by every layer
//
// Sub-packages own the byte layouts:
// - frame: 9-byte header codec
// - payload: fixed-layout message bodies
// - profile: 13-byte profile nodes, reassembly and interpolation
// - session: sequence numbers, dedup window, ack/retry
package protocol
