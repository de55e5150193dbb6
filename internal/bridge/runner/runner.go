package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/bridge/proxy"
	"github.com/GriffinCanCode/modbridge/internal/bridge/session"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/modbridge/internal/modules"
	"github.com/GriffinCanCode/modbridge/internal/shared/id"
	"go.uber.org/zap"
)

var (
	ErrRunTimeout  = errors.New("module run timed out")
	ErrSessionGone = errors.New("session no longer running")
)

// Invocation is the host-initiated call delivered to a module.
type Invocation struct {
	Query  string `json:"query"`
	Action string `json:"action"`
}

// Result is the outcome of a completed run.
type Result struct {
	SessionID id.SessionID  `json:"session_id"`
	ModuleID  string        `json:"module_id"`
	Value     string        `json:"result"`
	Duration  time.Duration `json:"duration"`
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID        id.SessionID `json:"id"`
	ModuleID  string       `json:"module_id"`
	StartedAt time.Time    `json:"started_at"`
	Pending   int          `json:"pending_requests"`
}

// Options bounds module runs.
type Options struct {
	RunTimeout        time.Duration
	RequestTimeout    time.Duration
	CallbackTimeout   time.Duration
	ChallengeRetryMax int
}

// OptionsFromConfig maps the session and proxy configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RunTimeout:        cfg.Session.RunTimeout,
		RequestTimeout:    cfg.Session.RequestTimeout,
		CallbackTimeout:   cfg.Session.CallbackTimeout,
		ChallengeRetryMax: cfg.Proxy.ChallengeRetryMax,
	}
}

type liveSession struct {
	session   *session.Session
	startedAt time.Time
}

// Runner executes modules, one session per run, over a shared proxy and
// cookie jar.
type Runner struct {
	modules modules.Provider
	exec    session.Executor
	jar     *proxy.Jar
	hub     *Hub
	opts    Options
	logger  *logging.Logger
	metrics *monitoring.Metrics

	sessions sync.Map
}

// New creates a runner.
func New(provider modules.Provider, exec session.Executor, jar *proxy.Jar, opts Options, logger *logging.Logger, metrics *monitoring.Metrics) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 60 * time.Second
	}
	return &Runner{
		modules: provider,
		exec:    exec,
		jar:     jar,
		hub:     NewHub(logger.Component("challenges"), metrics),
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// Hub returns the challenge hub.
func (r *Runner) Hub() *Hub { return r.hub }

// Run executes moduleID with inv and returns its result. The session is
// always torn down before Run returns.
func (r *Runner) Run(ctx context.Context, moduleID string, inv Invocation) (*Result, error) {
	mod, err := r.modules.Get(moduleID)
	if err != nil {
		return nil, err
	}

	sid := id.NewSessionID()
	s, err := session.New(session.Options{
		ID:                sid,
		ModuleID:          mod.ID,
		Prelude:           r.modules.Prelude(),
		Source:            mod.Source,
		Proxy:             r.exec,
		Challenges:        r.hub,
		RequestTimeout:    r.opts.RequestTimeout,
		CallbackTimeout:   r.opts.CallbackTimeout,
		ChallengeRetryMax: r.opts.ChallengeRetryMax,
		Logger:            r.logger.Component("session"),
		ScriptLogger:      r.logger.Script(mod.ID, sid.String()),
		Metrics:           r.metrics,
		OnDiagnostic:      r.diagnostic(mod.ID),
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	r.sessions.Store(sid, &liveSession{session: s, startedAt: start})
	defer func() {
		r.sessions.Delete(sid)
		r.hub.DropSession(sid)
		s.Close()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()

	value, err := r.drive(ctx, s, inv)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrRunTimeout, r.opts.RunTimeout, err)
	}
	if err != nil {
		r.logger.Info("Module run failed",
			zap.String("module", mod.ID),
			zap.String("session_id", sid.String()),
			zap.Error(err))
		return nil, err
	}

	return &Result{
		SessionID: sid,
		ModuleID:  mod.ID,
		Value:     value,
		Duration:  time.Since(start),
	}, nil
}

func (r *Runner) drive(ctx context.Context, s *session.Session, inv Invocation) (string, error) {
	if err := s.Start(ctx); err != nil {
		return "", err
	}
	if err := s.Invoke(ctx, inv.Query, inv.Action); err != nil {
		return "", err
	}
	return s.Wait(ctx)
}

func (r *Runner) diagnostic(moduleID string) func(session.Diagnostic) {
	return func(d session.Diagnostic) {
		msg := ""
		if d.Err != nil {
			msg = d.Err.Error()
		}
		r.hub.Publish(Event{
			Topic: TopicDiagnostic,
			Diagnostic: &Diagnostic{
				SessionID: d.SessionID,
				ModuleID:  moduleID,
				Reason:    d.Reason,
				RequestID: d.RequestID,
				Message:   msg,
			},
		})
	}
}

// Sessions lists live sessions, oldest first.
func (r *Runner) Sessions() []SessionInfo {
	var list []SessionInfo
	r.sessions.Range(func(key, value interface{}) bool {
		live := value.(*liveSession)
		list = append(list, SessionInfo{
			ID:        key.(id.SessionID),
			ModuleID:  live.session.ModuleID(),
			StartedAt: live.startedAt,
			Pending:   live.session.Pending(),
		})
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (r *Runner) session(sid id.SessionID) (*session.Session, bool) {
	val, ok := r.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return val.(*liveSession).session, true
}

// ResolveChallenge stores the cookies that solve a challenge and reissues
// the blocked request.
func (r *Runner) ResolveChallenge(chID id.ChallengeID, cookies []*http.Cookie) error {
	c, err := r.hub.take(chID)
	if err != nil {
		return err
	}

	s, ok := r.session(c.SessionID)
	if !ok {
		r.hub.closed(c, OutcomeExpired)
		return fmt.Errorf("%w: %s", ErrSessionGone, c.SessionID)
	}

	if len(cookies) > 0 {
		u, err := url.Parse(c.URL)
		if err != nil {
			r.hub.closed(c, OutcomeExpired)
			return fmt.Errorf("challenge url: %w", err)
		}
		r.jar.Import(u, cookies)
	}

	if err := s.Retry(c.reqID); err != nil {
		r.hub.closed(c, OutcomeExpired)
		return err
	}
	r.hub.closed(c, OutcomeSolved)
	return nil
}

// DismissChallenge gives up on a challenge; the module sees the block.
func (r *Runner) DismissChallenge(chID id.ChallengeID) error {
	c, err := r.hub.take(chID)
	if err != nil {
		return err
	}

	s, ok := r.session(c.SessionID)
	if !ok {
		r.hub.closed(c, OutcomeExpired)
		return fmt.Errorf("%w: %s", ErrSessionGone, c.SessionID)
	}
	if err := s.Reject(c.reqID, nil); err != nil {
		r.hub.closed(c, OutcomeExpired)
		return err
	}
	r.hub.closed(c, OutcomeDismissed)
	return nil
}

// Shutdown closes every live session.
func (r *Runner) Shutdown() {
	r.sessions.Range(func(_, value interface{}) bool {
		value.(*liveSession).session.Close()
		return true
	})
}
