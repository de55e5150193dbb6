package http

import (
	"net/http"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/bridge/proxy"
	"github.com/GriffinCanCode/modbridge/internal/bridge/runner"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/modbridge/internal/modules"
	"github.com/GriffinCanCode/modbridge/internal/shared/id"
	"github.com/GriffinCanCode/modbridge/internal/shared/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	serviceName = "modbridge"
	version     = "0.3.0"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	runner  *runner.Runner
	modules *modules.Registry
	proxy   *proxy.Proxy
	tracer  *tracing.Tracer
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(
	run *runner.Runner,
	registry *modules.Registry,
	px *proxy.Proxy,
	tracer *tracing.Tracer,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		runner:  run,
		modules: registry,
		proxy:   px,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// RunRequest is the body of POST /modules/:id/run.
type RunRequest struct {
	Query  string `json:"query"`
	Action string `json:"action"`
}

// CookieParam is a cookie supplied by whoever solved a challenge.
type CookieParam struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain,omitempty"`
	Path     string     `json:"path,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HTTPOnly bool       `json:"http_only,omitempty"`
}

// ResolveRequest is the body of POST /challenges/:id/resolve.
type ResolveRequest struct {
	Cookies []CookieParam `json:"cookies"`
}

// Root handles health check
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": serviceName,
		"version": version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	breakers := make(map[string]string)
	if h.proxy != nil {
		for host, state := range h.proxy.BreakerStates() {
			breakers[host] = state.String()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"modules":     len(h.modules.List()),
		"sessions":    len(h.runner.Sessions()),
		"challenges":  h.runner.Hub().Len(),
		"subscribers": h.runner.Hub().SubscriberCount(),
		"breakers":    breakers,
		"metrics":     h.metrics.GetSnapshot(),
	})
}

// ListModules lists installed modules and the repos they came from
func (h *Handlers) ListModules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"modules": h.modules.List(),
		"repos":   h.modules.Repos(),
	})
}

// ReloadModules rescans the module directory
func (h *Handlers) ReloadModules(c *gin.Context) {
	stats, err := h.modules.Reload(c.Request.Context())
	if err != nil {
		h.logger.Error("Module reload failed", append(tracing.Fields(c.Request.Context()), zap.Error(err))...)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   stats,
	})
}

// RunModule invokes a module and waits for its result
func (h *Handlers) RunModule(c *gin.Context) {
	moduleID := c.Param("id")
	if err := utils.ValidateModuleID(moduleID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.ValidateInvocation(req.Query, req.Action); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var span *tracing.Span
	if h.tracer != nil {
		span, ctx = h.tracer.StartSpan(ctx, "module.run")
		span.SetTag("module", moduleID)
		defer func() {
			span.Finish()
			h.tracer.Submit(span)
		}()
	}

	res, err := h.runner.Run(ctx, moduleID, runner.Invocation{Query: req.Query, Action: req.Action})
	if err != nil {
		if span != nil {
			span.SetError(err)
		}
		h.logger.Info("Run request failed", append(tracing.Fields(ctx),
			zap.String("module", moduleID),
			zap.Error(err))...)
		respondError(c, err)
		return
	}
	if span != nil {
		span.SetTag("session_id", res.SessionID.String())
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":  res.SessionID,
		"module_id":   res.ModuleID,
		"result":      res.Value,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// ListSessions lists running module sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.runner.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// ListChallenges lists outstanding challenges, oldest first
func (h *Handlers) ListChallenges(c *gin.Context) {
	challenges := h.runner.Hub().List()
	c.JSON(http.StatusOK, gin.H{
		"challenges": challenges,
		"count":      len(challenges),
	})
}

// GetChallenge returns one outstanding challenge
func (h *Handlers) GetChallenge(c *gin.Context) {
	chID, ok := challengeParam(c)
	if !ok {
		return
	}
	ch, found := h.runner.Hub().Get(chID)
	if !found {
		respondError(c, runner.ErrChallengeNotFound)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// ResolveChallenge stores the solver's cookies and retries the blocked request
func (h *Handlers) ResolveChallenge(c *gin.Context) {
	chID, ok := challengeParam(c)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cookies, err := toCookies(req.Cookies)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.runner.ResolveChallenge(chID, cookies); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"challenge_id": chID,
		"cookies":      len(cookies),
	})
}

// DismissChallenge gives up on a challenge; the module sees the block
func (h *Handlers) DismissChallenge(c *gin.Context) {
	chID, ok := challengeParam(c)
	if !ok {
		return
	}
	if err := h.runner.DismissChallenge(chID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"challenge_id": chID,
	})
}

func challengeParam(c *gin.Context) (id.ChallengeID, bool) {
	chID, err := id.ParseChallengeID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return chID, true
}
