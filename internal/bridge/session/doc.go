// Package session runs one module invocation inside a sandboxed script VM.
//
// The VM lives on a single event loop goroutine. Scripts talk to the host
// through window.webkit.messageHandlers.Native (capability requests and
// results) and window.webkit.messageHandlers.logHandler (diagnostics). Each
// capability request is correlated by id, executed off the loop through an
// Executor, and answered by calling window.onmessage back on the loop.
//
// Requests refused by an anti-bot challenge are parked and reported to a
// ChallengeHandler. The host either retries them once the challenge is
// solved, or rejects them so the script sees the failure.
package session
