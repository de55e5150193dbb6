// Package config provides 12-factor configuration management for the bridge.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags in cmd/server can override the port and modules directory.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting of the host API
//   - Proxy: Outbound capability requests (user agent, retries, limits)
//   - Modules: Where installed modules live
//   - Session: Invocation and request timeouts
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
package config
