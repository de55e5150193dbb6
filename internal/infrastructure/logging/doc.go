// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Components take a *zap.Logger obtained from Component and attach their
// own structured fields. Module diagnostics (logHandler messages and
// console output) go through Script unmodified.
//
// Example Usage:
//
//	logger := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development)
//	proxyLog := logger.Component("proxy")
//	proxyLog.Info("Request blocked", zap.String("url", u), zap.Int("status", 403))
package logging
