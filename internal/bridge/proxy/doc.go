// Package proxy executes HTTP requests on behalf of module scripts.
//
// Every request shares one cookie Jar, presents a fixed mobile user agent and
// passes through an outbound rate limiter, a concurrency bound and a per-host
// circuit breaker. Results are classified into three error kinds:
//
//   - *BlockedError (ErrBlocked): HTTP 403, with a Challenge describing the page
//   - *TransportError (ErrTransport): no usable response was received
//   - *UndecodableError (ErrUndecodable): the body is not UTF-8 text
//
// Any other status, 5xx included, returns the body to the script. Transport
// failures are retried with backoff for idempotent methods only.
package proxy
