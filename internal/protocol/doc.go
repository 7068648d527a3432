// Package protocol owns the simulator wire contract and parsing primitives.
//
// Ownership boundary:
// - value grammar (parse/encode of the textual array encoding)
// - command descriptors and request encoding
// - reply/notification classification
//
// Framing lives in protocol/frame, the connection in protocol/transport and
// request correlation in protocol/session.
package protocol
