// Package session runs the command service conversation over one framed
// connection.
//
// Ownership boundary:
// - request/reply correlation with a single in-flight request
// - routing of replies and console notifications off the receive loop
// - the console subscription registry and its timed waits
// - dial retry backoff
//
// Nothing in this package retries a request. A protocol error or a cancelled
// in-flight request ends the session.
package session
