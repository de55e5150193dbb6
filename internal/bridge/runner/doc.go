// Package runner executes modules on behalf of the host API.
//
// Each Run gets its own session; all sessions share one proxy and cookie
// jar. Requests parked on an anti-bot challenge surface in the Hub, where
// a client can resolve them with the cookies that solve the challenge or
// dismiss them.
package runner
