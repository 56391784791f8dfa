// Package polling implements the long-polling transports, xhr-polling and
// jsonp-polling.
//
// A session's packets travel through the store in both directions, so the
// node that owns the session and the nodes answering its GET and POST
// requests do not have to be the same.
package polling
