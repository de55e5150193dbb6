/*
Package monitoring provides Prometheus metrics for the bridge.

# Overview

Collectors are registered on an injected prometheus.Registerer so tests can
use a private registry. Methods are safe on a nil *Metrics.

# Metrics

  - Host API requests (count, latency) labelled by route template
  - Proxy requests by outcome (ok, blocked, transport, undecodable), retries,
    in-flight gauge
  - Live sessions, finished sessions by outcome, pending capability requests
  - Protocol violations and duplicate request ids
  - Outstanding challenges and how they ended
  - Challenge stream WebSocket connections, uptime

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	router.Use(monitoring.Middleware(metrics))

	timer := monitoring.NewTimer(metrics, "GET")
	// ... perform request ...
	timer.Stop("ok")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
