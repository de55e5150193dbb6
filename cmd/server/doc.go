// Package main is the entry point for the modbridge server.
//
// The server hosts scraper modules: JavaScript programs that run in a
// sandboxed interpreter and reach the network only through the bridge's
// HTTP proxy. Clients start modules over the REST API and solve the
// anti-bot challenges modules run into.
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -modules ./modules
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
