// Package transport owns the byte-stream side of a simulator link.
//
// A Conn wraps one net.Conn, writes delimiter-terminated frames under a
// write lock, and runs a single receive loop that hands each complete frame
// to a callback in arrival order. The stream may be a direct TCP connection
// or a channel tunnelled through an SSH jump host.
package transport
