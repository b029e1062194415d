// Package protocol implements the UMICP wire format.
//
// UMICP (Universal Matrix Intelligent Communication Protocol) exchanges
// structured control messages and large binary payloads between
// heterogeneous peers. The wire format has two planes:
//
// # Control plane: Envelope
//
// Envelopes are JSON documents describing sender, recipient, operation
// and payload metadata. Field names are short on the wire:
//
//	{"v":"1.0","msg_id":"msg-...","ts":"...","from":"a","to":"b","op":0}
//
// Optional fields carry capability maps for control parameters and
// negotiation, a payload hint describing the shape of an associated
// binary payload, and out-of-band payload references.
//
// # Data plane: Frame
//
// Frames carry binary payloads (vector embeddings, blobs) on logical
// streams multiplexed over one connection. Every frame starts with a
// fixed 16-byte little-endian header:
//   - Version (1 byte): protocol wire version
//   - Type (1 byte): operation type, mirrors the envelope op
//   - Flags (2 bytes): compression/encryption/fragmentation bits
//   - StreamID (8 bytes): logical channel, allocated by the sender
//   - Sequence (4 bytes): strictly increasing per stream
//
// The header is followed by a 4-byte little-endian payload length and
// exactly that many payload bytes.
//
// # Operation types
//
// CONTROL, DATA, ACK and ERROR select envelope/frame semantics and
// handler dispatch. REQUEST and RESPONSE are reserved for correlation
// layers built on top of the core.
//
// # Errors
//
// Every failure surfaced by the engine carries an ErrorCode from the
// taxonomy in this package; see the Error type.
package protocol
