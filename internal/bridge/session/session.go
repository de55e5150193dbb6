package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/bridge/correlation"
	"github.com/GriffinCanCode/modbridge/internal/bridge/protocol"
	"github.com/GriffinCanCode/modbridge/internal/bridge/proxy"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/modbridge/internal/shared/id"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Executor performs capability requests. *proxy.Proxy satisfies it.
type Executor interface {
	Execute(ctx context.Context, req proxy.Request) (*proxy.Response, error)
}

// ChallengeHandler is told about requests parked on an anti-bot challenge.
// It must not block; the session waits for Retry or Reject.
type ChallengeHandler interface {
	Blocked(ev BlockedEvent)
}

// BlockedEvent describes a parked request.
type BlockedEvent struct {
	SessionID id.SessionID
	ModuleID  string
	RequestID protocol.Identifier
	Request   proxy.Request
	Err       *proxy.BlockedError
	Attempt   int
}

// Diagnostic reports an inbound message that was dropped.
type Diagnostic struct {
	SessionID id.SessionID
	Reason    string
	RequestID string
	Err       error
}

// Reasons carried by Diagnostic.
const (
	ReasonMalformed       = "malformed"
	ReasonUnknownAction   = "unknown_action"
	ReasonUnexpectedLogic = "unexpected_logic"
	ReasonDuplicateID     = "duplicate_id"
	ReasonMissingID       = "missing_id"
	ReasonLateResult      = "late_result"
)

// Options configures a Session.
type Options struct {
	ID                id.SessionID
	ModuleID          string
	Prelude           string
	Source            string
	Proxy             Executor
	Challenges        ChallengeHandler
	RequestTimeout    time.Duration
	CallbackTimeout   time.Duration
	ChallengeRetryMax int
	Logger            *zap.Logger
	ScriptLogger      *zap.Logger
	Metrics           *monitoring.Metrics
	OnDiagnostic      func(Diagnostic)
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateClosed
)

type parkedRequest struct {
	id       protocol.Identifier
	req      proxy.Request
	err      *proxy.BlockedError
	attempts int
}

// Session runs one module invocation: a script VM, its correlation table and
// the capability requests it has in flight.
type Session struct {
	opts   Options
	logger *zap.Logger
	script *zap.Logger
	engine *engine
	table  *correlation.Table

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu     sync.Mutex
	state  state
	parked map[string]*parkedRequest

	done      chan struct{}
	completed sync.Once
	value     string
	err       error
	closeOnce sync.Once
}

// New creates an idle session.
func New(opts Options) (*Session, error) {
	if opts.Proxy == nil {
		return nil, errors.New("session: proxy is required")
	}
	if opts.ID == "" {
		opts.ID = id.NewSessionID()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ScriptLogger == nil {
		opts.ScriptLogger = opts.Logger.Named("script")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 45 * time.Second
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = 5 * time.Second
	}

	logger := opts.Logger.With(
		zap.String("session_id", opts.ID.String()),
		zap.String("module", opts.ModuleID))

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:   opts,
		logger: logger,
		script: opts.ScriptLogger,
		engine: newEngine(opts.CallbackTimeout, logger),
		table:  correlation.NewTable(logger),
		ctx:    ctx,
		cancel: cancel,
		parked: make(map[string]*parkedRequest),
		done:   make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() id.SessionID { return s.opts.ID }

// ModuleID returns the module this session runs.
func (s *Session) ModuleID() string { return s.opts.ModuleID }

// Done is closed once the session has a final value or error.
func (s *Session) Done() <-chan struct{} { return s.done }

// Pending returns the number of capability requests awaiting a response.
func (s *Session) Pending() int { return s.table.Len() }

// Start loads the prelude and module source into a fresh VM.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return ErrClosed
	case stateRunning:
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.state = stateRunning
	s.tasks.Add(1)
	s.mu.Unlock()

	s.opts.Metrics.SessionStarted()
	go s.sweep()

	return s.engine.start(ctx, func(vm *goja.Runtime) error {
		s.installGlobals(vm)
		if s.opts.Prelude != "" {
			if err := s.engine.runScript(vm, "common.js", s.opts.Prelude); err != nil {
				return scriptError(err)
			}
		}
		if err := s.engine.runScript(vm, s.opts.ModuleID+".js", s.opts.Source); err != nil {
			return scriptError(err)
		}
		return nil
	})
}

// Invoke delivers the host-initiated logic call that starts the module's work.
// A module that throws while handling it fails the session.
func (s *Session) Invoke(ctx context.Context, query, action string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	data, err := protocol.Encode(protocol.NewLogicEnvelope(query, action))
	if err != nil {
		return err
	}
	src, err := onMessageCall(data)
	if err != nil {
		return err
	}

	return s.engine.call(ctx, func(vm *goja.Runtime) error {
		if s.isClosed() {
			return ErrClosed
		}
		if err := s.engine.runScript(vm, "invoke", src); err != nil {
			se := scriptError(err)
			s.finish("", se)
			return se
		}
		return nil
	})
}

// Wait blocks until the module reports a result or error, or ctx expires.
func (s *Session) Wait(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Retry reissues a parked request, normally after its challenge was solved.
func (s *Session) Retry(reqID protocol.Identifier) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	p, ok := s.parked[reqID.Key()]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoChallenge, reqID)
	}
	delete(s.parked, reqID.Key())
	if !s.table.Has(p.id) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoChallenge, reqID)
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	s.logger.Info("Retrying blocked request",
		zap.Stringer("req_id", reqID),
		zap.Int("attempt", p.attempts+1))
	go s.perform(p.id, p.req, p.attempts+1)
	return nil
}

// Reject gives up on a parked request. The script receives reason, or the
// original block when reason is nil.
func (s *Session) Reject(reqID protocol.Identifier, reason error) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	p, ok := s.parked[reqID.Key()]
	if ok {
		delete(s.parked, reqID.Key())
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChallenge, reqID)
	}
	if reason == nil {
		reason = p.err
	}
	s.table.Resolve(p.id, correlation.Outcome{Err: fmt.Errorf("%w: %w", ErrChallengeRejected, reason)})
	return nil
}

// Close tears the session down: in-flight requests are cancelled, pending
// entries resolved, the caller released and the VM stopped. Nothing is
// injected into the script afterwards. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.state == stateRunning
		s.state = stateClosed
		s.parked = make(map[string]*parkedRequest)
		s.mu.Unlock()

		s.cancel()
		cancelled := s.table.CancelAll(ErrClosed)
		s.completed.Do(func() {
			s.err = fmt.Errorf("%w: %w", correlation.ErrCancelled, ErrClosed)
			close(s.done)
		})

		if started {
			s.engine.stop(ErrClosed)
		}
		s.tasks.Wait()

		if started {
			s.opts.Metrics.SessionFinished(outcomeLabel(s.err))
		}
		s.logger.Debug("Session closed", zap.Int("cancelled_requests", cancelled))
	})
}

func outcomeLabel(err error) string {
	var se *ScriptError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se):
		return "script_error"
	case errors.Is(err, correlation.ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

func (s *Session) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateIdle:
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

// finish records the single completion of the session.
func (s *Session) finish(value string, err error) {
	first := false
	s.completed.Do(func() {
		first = true
		s.value, s.err = value, err
		close(s.done)
	})
	if !first {
		s.diagnose(ReasonLateResult, "", errors.New("session already completed"))
	}
}

// installGlobals exposes the host channels to the script and removes the
// module system. Runs on the loop.
func (s *Session) installGlobals(vm *goja.Runtime) {
	for _, name := range []string{"require", "process", "module", "exports"} {
		_ = vm.Set(name, goja.Undefined())
	}

	global := vm.GlobalObject()
	_ = vm.Set("window", global)
	_ = vm.Set("self", global)

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, s.consoleFunc(level))
	}
	_ = vm.Set("console", console)

	native := vm.NewObject()
	_ = native.Set("postMessage", s.onNative)
	logHandler := vm.NewObject()
	_ = logHandler.Set("postMessage", s.onLog)

	handlers := vm.NewObject()
	_ = handlers.Set("Native", native)
	_ = handlers.Set("logHandler", logHandler)
	webkit := vm.NewObject()
	_ = webkit.Set("messageHandlers", handlers)
	_ = vm.Set("webkit", webkit)
}

func (s *Session) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		msg := joinArgs(call.Arguments)
		switch level {
		case "error":
			s.script.Error(msg)
		case "warn":
			s.script.Warn(msg)
		case "debug":
			s.script.Debug(msg)
		default:
			s.script.Info(msg)
		}
		return goja.Undefined()
	}
}

func (s *Session) onLog(call goja.FunctionCall) goja.Value {
	if text, ok := exportText(call.Argument(0)); ok {
		s.script.Info(text)
	}
	return goja.Undefined()
}

func (s *Session) onNative(call goja.FunctionCall) goja.Value {
	text, ok := exportText(call.Argument(0))
	if !ok {
		s.diagnose(ReasonMalformed, "", fmt.Errorf("%w: empty message", protocol.ErrMalformed))
		return goja.Undefined()
	}
	s.handleMessage(text)
	return goja.Undefined()
}

// handleMessage dispatches one inbound message. Runs on the loop.
func (s *Session) handleMessage(text string) {
	if s.isClosed() {
		return
	}

	env, err := protocol.DecodeString(text)
	if err != nil {
		s.diagnose(ReasonMalformed, "", err)
		return
	}

	switch env.Action {
	case protocol.ActionHTTPRequest:
		s.startRequest(env)
	case protocol.ActionResult:
		s.finish(protocol.DecodeResult(*env.Result), nil)
	case protocol.ActionError:
		var msg string
		if env.Result != nil {
			msg = *env.Result
		}
		s.finish("", &ScriptError{Message: msg})
	case protocol.ActionLogic:
		s.diagnose(ReasonUnexpectedLogic, env.RequestID.String(),
			fmt.Errorf("%w: logic is only sent by the host", protocol.ErrUnknownAction))
	case protocol.ActionUnknown:
		s.diagnose(ReasonUnknownAction, env.RequestID.String(),
			fmt.Errorf("%w: %q", protocol.ErrUnknownAction, env.ActionName()))
	}
}

func (s *Session) startRequest(env *protocol.RequestEnvelope) {
	pending, err := s.table.Register(env.RequestID)
	switch {
	case errors.Is(err, correlation.ErrClosed):
		return
	case errors.Is(err, correlation.ErrDuplicateID):
		s.opts.Metrics.IncDuplicateRequests()
		s.diagnose(ReasonDuplicateID, env.RequestID.String(), err)
		return
	case err != nil:
		s.diagnose(ReasonMissingID, env.RequestID.String(), err)
		return
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.tasks.Add(2)
	s.mu.Unlock()

	req := proxy.Request{
		URL:     *env.URL,
		Headers: env.Headers,
		Method:  env.HTTPMethod(),
		Body:    env.Body,
	}
	s.logger.Debug("Capability request",
		zap.Stringer("req_id", env.RequestID),
		zap.String("method", req.Method),
		zap.String("url", req.URL))

	s.opts.Metrics.AddPendingRequests(1)
	go s.await(pending)
	go s.perform(env.RequestID, req, 0)
}

// perform runs the request off the loop and resolves its table entry,
// unless it was parked on a challenge.
func (s *Session) perform(reqID protocol.Identifier, req proxy.Request, attempt int) {
	defer s.tasks.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()

	resp, err := s.opts.Proxy.Execute(ctx, req)

	var blocked *proxy.BlockedError
	if errors.As(err, &blocked) && s.park(reqID, req, blocked, attempt) {
		return
	}

	outcome := correlation.Outcome{Err: err}
	if err == nil {
		outcome.Value = resp.Body
	}
	s.table.Resolve(reqID, outcome)
}

// park holds a blocked request for the challenge handler. Returns false when
// the block should be delivered to the script instead.
func (s *Session) park(reqID protocol.Identifier, req proxy.Request, blocked *proxy.BlockedError, attempt int) bool {
	if s.opts.Challenges == nil || attempt >= s.opts.ChallengeRetryMax {
		if attempt > 0 {
			s.logger.Warn("Request still blocked after retries",
				zap.Stringer("req_id", reqID),
				zap.Int("attempts", attempt),
				zap.Error(ErrChallengeRetries))
		}
		return false
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return false
	}
	s.parked[reqID.Key()] = &parkedRequest{id: reqID, req: req, err: blocked, attempts: attempt}
	s.mu.Unlock()

	s.opts.Challenges.Blocked(BlockedEvent{
		SessionID: s.opts.ID,
		ModuleID:  s.opts.ModuleID,
		RequestID: reqID,
		Request:   req,
		Err:       blocked,
		Attempt:   attempt,
	})
	return true
}

// await injects the response once the entry is resolved, whoever resolved it.
func (s *Session) await(p *correlation.Pending) {
	defer s.tasks.Done()
	<-p.Done()
	s.opts.Metrics.AddPendingRequests(-1)

	s.mu.Lock()
	delete(s.parked, p.ID().Key())
	closed := s.state == stateClosed
	s.mu.Unlock()
	if closed {
		return
	}

	outcome := p.Outcome()
	resp := protocol.Response{RequestID: p.ID(), ResponseText: outcome.Value}
	if outcome.Err != nil {
		resp.ResponseText = ""
		resp.Error = responseError(outcome.Err)
		s.logger.Info("Capability request failed",
			zap.Stringer("req_id", p.ID()),
			zap.String("kind", resp.Error.Kind),
			zap.Error(outcome.Err))
	}
	s.inject(resp)
}

func responseError(err error) *protocol.ResponseError {
	re := &protocol.ResponseError{Kind: proxy.Kind(err), Message: err.Error()}
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		re.Kind = "timeout"
	case errors.Is(err, correlation.ErrCancelled):
		re.Kind = "cancelled"
	}
	var blocked *proxy.BlockedError
	if errors.As(err, &blocked) {
		re.Status = blocked.Status
	}
	return re
}

// inject delivers a response to the script's onmessage handler.
func (s *Session) inject(resp protocol.Response) {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Stringer("req_id", resp.RequestID), zap.Error(err))
		return
	}
	src, err := onMessageCall(data)
	if err != nil {
		s.logger.Error("Failed to quote response", zap.Stringer("req_id", resp.RequestID), zap.Error(err))
		return
	}

	s.engine.submit(func(vm *goja.Runtime) {
		if s.isClosed() {
			return
		}
		if err := s.engine.runScript(vm, "response", src); err != nil {
			s.logger.Warn("Module onmessage threw",
				zap.Stringer("req_id", resp.RequestID),
				zap.Error(scriptError(err)))
		}
	})
}

func onMessageCall(data []byte) (string, error) {
	literal, err := protocol.ScriptLiteral(string(data))
	if err != nil {
		return "", err
	}
	return "window.onmessage({data: " + literal + "});", nil
}

// sweep expires requests that outlive RequestTimeout, including parked ones.
func (s *Session) sweep() {
	defer s.tasks.Done()

	interval := s.opts.RequestTimeout / 4
	switch {
	case interval < 10*time.Millisecond:
		interval = 10 * time.Millisecond
	case interval > time.Second:
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.table.Expire(now, s.opts.RequestTimeout); n > 0 {
				s.logger.Warn("Capability requests timed out",
					zap.Int("count", n),
					zap.Duration("timeout", s.opts.RequestTimeout))
			}
		}
	}
}

func (s *Session) diagnose(reason, reqID string, err error) {
	s.opts.Metrics.RecordProtocolViolation(reason)

	fields := []zap.Field{zap.String("reason", reason), zap.Error(err)}
	if reqID != "" {
		fields = append(fields, zap.String("req_id", reqID))
	}
	if reason == ReasonDuplicateID {
		s.logger.Error("Duplicate request id from module", fields...)
	} else {
		s.logger.Warn("Dropped module message", fields...)
	}

	if s.opts.OnDiagnostic != nil {
		s.opts.OnDiagnostic(Diagnostic{
			SessionID: s.opts.ID,
			Reason:    reason,
			RequestID: reqID,
			Err:       err,
		})
	}
}
