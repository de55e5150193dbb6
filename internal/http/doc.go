// Package http provides the host REST API for running modules and solving
// challenges.
//
// Endpoints:
//   - Health: / and /health
//   - Modules: /modules, /modules/reload, /modules/:id/run
//   - Sessions: /sessions
//   - Challenges: /challenges, /challenges/:id, /challenges/:id/resolve,
//     /challenges/:id/dismiss
//
// Bridge errors map to status codes: an unknown module or challenge is 404,
// a challenge whose session already ended is 410, a run that exceeds its
// time limit is 504 and a module that throws or reports an error is 422.
//
// Example Usage:
//
//	handlers := http.NewHandlers(run, registry, px, tracer, metrics, logger)
//	router.POST("/modules/:id/run", handlers.RunModule)
//	router.POST("/challenges/:id/resolve", handlers.ResolveChallenge)
package http
