package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/bridge/correlation"
	"github.com/GriffinCanCode/modbridge/internal/bridge/protocol"
	"github.com/GriffinCanCode/modbridge/internal/bridge/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const prelude = `
function post(msg) { window.webkit.messageHandlers.Native.postMessage(JSON.stringify(msg)); }
function finish(value) {
  post({action: "result", reqId: -1, result: JSON.stringify({action: "result", result: value})});
}
`

// fetchModule requests /<query> and finishes with the response or its error kind.
const fetchModule = `
window.onmessage = function (event) {
  var msg = JSON.parse(event.data);
  if (msg.action === "logic") {
    post({action: "HTTPRequest", reqId: 1, url: "https://example.com/" + msg.payload.query, headers: {}});
    return;
  }
  if (msg.error) {
    finish("error:" + msg.error.kind + ":" + msg.reqId);
    return;
  }
  finish(msg.responseText + ":" + msg.reqId);
};
`

type fakeExecutor struct {
	mu    sync.Mutex
	calls []proxy.Request
	fn    func(ctx context.Context, req proxy.Request, n int) (*proxy.Response, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req proxy.Request) (*proxy.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(ctx, req, n)
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func respond(body string) *fakeExecutor {
	return &fakeExecutor{fn: func(context.Context, proxy.Request, int) (*proxy.Response, error) {
		return &proxy.Response{Status: 200, Body: body}, nil
	}}
}

type challengeRecorder struct {
	events chan BlockedEvent
}

func newChallengeRecorder() *challengeRecorder {
	return &challengeRecorder{events: make(chan BlockedEvent, 8)}
}

func (c *challengeRecorder) Blocked(ev BlockedEvent) { c.events <- ev }

func (c *challengeRecorder) next(t *testing.T) BlockedEvent {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no challenge reported")
		return BlockedEvent{}
	}
}

type diagnostics struct {
	mu      sync.Mutex
	reasons []string
}

func (d *diagnostics) record(diag Diagnostic) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, diag.Reason)
}

func (d *diagnostics) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reasons...)
}

func blocked(req proxy.Request) error {
	return &proxy.BlockedError{Status: 403, URL: req.URL, Challenge: proxy.Challenge{Status: 403, Provider: "cloudflare"}}
}

func newSession(t *testing.T, source string, exec Executor, configure func(*Options)) *Session {
	t.Helper()
	opts := Options{
		ModuleID:        "test",
		Prelude:         prelude,
		Source:          source,
		Proxy:           exec,
		CallbackTimeout: time.Second,
	}
	if configure != nil {
		configure(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func run(t *testing.T, s *Session, query string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Invoke(ctx, query, "search"))
	return s.Wait(ctx)
}

func TestNestedResult(t *testing.T) {
	s := newSession(t, `
window.onmessage = function (event) {
  var msg = JSON.parse(event.data);
  finish("VALUE:" + msg.payload.query + ":" + msg.payload.action + ":" + msg.reqId);
};`, respond(""), nil)

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "VALUE:q:search:-1", value)
}

func TestPlainResult(t *testing.T) {
	s := newSession(t, `
window.onmessage = function () { post({action: "result", result: "plain text"}); };`, respond(""), nil)

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "plain text", value)
}

func TestObjectMessageIsSerialized(t *testing.T) {
	s := newSession(t, `
window.onmessage = function () {
  window.webkit.messageHandlers.Native.postMessage({action: "result", result: "from object"});
};`, respond(""), nil)

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "from object", value)
}

func TestHTTPRequestRoundTrip(t *testing.T) {
	exec := respond("BODY")
	s := newSession(t, fetchModule, exec, nil)

	value, err := run(t, s, "page")
	require.NoError(t, err)
	assert.Equal(t, "BODY:1", value)

	require.Equal(t, 1, exec.count())
	assert.Equal(t, "https://example.com/page", exec.calls[0].URL)
	assert.Equal(t, "GET", exec.calls[0].Method)
	assert.Equal(t, 0, s.Pending())
}

func TestStringIDEchoed(t *testing.T) {
	s := newSession(t, `
window.onmessage = function (event) {
  var msg = JSON.parse(event.data);
  if (msg.action === "logic") {
    post({action: "HTTPRequest", reqId: "abc", url: "https://example.com/", method: "post", body: "x=1", headers: {"X-Test": "1"}});
    return;
  }
  finish(typeof msg.reqId + ":" + msg.reqId + ":" + msg.responseText);
};`, respond("ok"), nil)

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "string:abc:ok", value)
}

func TestTerminalErrorInjected(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, req proxy.Request, _ int) (*proxy.Response, error) {
		return nil, &proxy.TransportError{URL: req.URL, Err: errors.New("connection refused")}
	}}
	s := newSession(t, fetchModule, exec, nil)

	value, err := run(t, s, "down")
	require.NoError(t, err)
	assert.Equal(t, "error:transport:1", value)
}

func TestErrorAction(t *testing.T) {
	s := newSession(t, `
window.onmessage = function () { post({action: "error", result: "boom"}); };`, respond(""), nil)

	_, err := run(t, s, "q")
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "boom", se.Message)
}

func TestLaterResultsIgnored(t *testing.T) {
	diags := &diagnostics{}
	s := newSession(t, `
window.onmessage = function () {
  post({action: "result", result: "first"});
  post({action: "result", result: "second"});
};`, respond(""), func(o *Options) { o.OnDiagnostic = diags.record })

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "first", value)
	assert.Equal(t, []string{ReasonLateResult}, diags.list())
}

func TestInvalidMessagesDropped(t *testing.T) {
	diags := &diagnostics{}
	s := newSession(t, `
window.onmessage = function () {
  window.webkit.messageHandlers.Native.postMessage("not json");
  window.webkit.messageHandlers.Native.postMessage();
  post({action: "HTTPRequest", reqId: 3});
  post({action: "teleport", reqId: 4});
  post({action: "logic", payload: {query: "x", action: "y"}});
  post({action: "HTTPRequest", reqId: -1, url: "https://example.com/", headers: {}});
  finish("survived");
};`, respond(""), func(o *Options) { o.OnDiagnostic = diags.record })

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "survived", value)
	assert.Equal(t, []string{
		ReasonMalformed,
		ReasonMalformed,
		ReasonMalformed,
		ReasonUnknownAction,
		ReasonUnexpectedLogic,
		ReasonMissingID,
	}, diags.list())
}

func TestDuplicateIDDropped(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(context.Context, proxy.Request, int) (*proxy.Response, error) {
		<-release
		return &proxy.Response{Status: 200, Body: "first"}, nil
	}}
	diags := &diagnostics{}
	s := newSession(t, `
window.onmessage = function (event) {
  var msg = JSON.parse(event.data);
  if (msg.action === "logic") {
    post({action: "HTTPRequest", reqId: 7, url: "https://example.com/a", headers: {}});
    post({action: "HTTPRequest", reqId: 7, url: "https://example.com/b", headers: {}});
    return;
  }
  finish(msg.responseText);
};`, exec, func(o *Options) { o.OnDiagnostic = diags.record })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Invoke(ctx, "q", "search"))
	assert.Equal(t, []string{ReasonDuplicateID}, diags.list())

	close(release)
	value, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", value)
	assert.Equal(t, 1, exec.count())
}

func TestCloseCancelsPending(t *testing.T) {
	var cancelled sync.WaitGroup
	cancelled.Add(2)
	exec := &fakeExecutor{fn: func(ctx context.Context, req proxy.Request, _ int) (*proxy.Response, error) {
		<-ctx.Done()
		cancelled.Done()
		return nil, &proxy.TransportError{URL: req.URL, Err: ctx.Err()}
	}}

	core, logs := observer.New(zapcore.DebugLevel)
	s := newSession(t, `
window.onmessage = function (event) {
  var msg = JSON.parse(event.data);
  if (msg.action === "logic") {
    post({action: "HTTPRequest", reqId: 1, url: "https://example.com/a", headers: {}});
    post({action: "HTTPRequest", reqId: 2, url: "https://example.com/b", headers: {}});
    return;
  }
  console.log("late response", msg.reqId);
};`, exec, func(o *Options) { o.ScriptLogger = zap.New(core) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Invoke(ctx, "q", "search"))
	require.Eventually(t, func() bool { return s.Pending() == 2 && exec.count() == 2 },
		5*time.Second, 10*time.Millisecond)

	s.Close()
	cancelled.Wait()

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, correlation.ErrCancelled)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, s.Pending())
	assert.Zero(t, logs.FilterMessageSnippet("late response").Len())

	assert.ErrorIs(t, s.Invoke(ctx, "q", "search"), ErrClosed)
	s.Close()
}

func TestBlockedThenRetry(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, req proxy.Request, n int) (*proxy.Response, error) {
		if n == 1 {
			return nil, blocked(req)
		}
		return &proxy.Response{Status: 200, Body: "SOLVED"}, nil
	}}
	challenges := newChallengeRecorder()
	s := newSession(t, fetchModule, exec, func(o *Options) {
		o.Challenges = challenges
		o.ChallengeRetryMax = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Invoke(ctx, "guarded", "search"))

	ev := challenges.next(t)
	assert.Equal(t, s.ID(), ev.SessionID)
	assert.Equal(t, "test", ev.ModuleID)
	assert.Equal(t, "1", ev.RequestID.String())
	assert.Equal(t, "https://example.com/guarded", ev.Request.URL)
	assert.Equal(t, "cloudflare", ev.Err.Challenge.Provider)
	assert.Equal(t, 0, ev.Attempt)
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Retry(ev.RequestID))

	value, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SOLVED:1", value)
	assert.Equal(t, 2, exec.count())

	assert.ErrorIs(t, s.Retry(ev.RequestID), ErrNoChallenge)
}

func TestBlockedRetryLimit(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, req proxy.Request, _ int) (*proxy.Response, error) {
		return nil, blocked(req)
	}}
	challenges := newChallengeRecorder()
	s := newSession(t, fetchModule, exec, func(o *Options) {
		o.Challenges = challenges
		o.ChallengeRetryMax = 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Invoke(ctx, "q", "search"))
	require.NoError(t, s.Retry(challenges.next(t).RequestID))

	value, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "error:blocked:1", value)
	assert.Equal(t, 2, exec.count())
	assert.Empty(t, challenges.events)
}

func TestRejectDeliversBlock(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, req proxy.Request, _ int) (*proxy.Response, error) {
		return nil, blocked(req)
	}}
	challenges := newChallengeRecorder()
	s := newSession(t, fetchModule, exec, func(o *Options) {
		o.Challenges = challenges
		o.ChallengeRetryMax = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Invoke(ctx, "q", "search"))
	ev := challenges.next(t)
	require.NoError(t, s.Reject(ev.RequestID, nil))

	value, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "error:blocked:1", value)
	assert.ErrorIs(t, s.Reject(ev.RequestID, nil), ErrNoChallenge)
}

func TestBlockedWithoutHandler(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, req proxy.Request, _ int) (*proxy.Response, error) {
		return nil, blocked(req)
	}}
	s := newSession(t, fetchModule, exec, func(o *Options) { o.ChallengeRetryMax = 2 })

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "error:blocked:1", value)
}

func TestParkedRequestTimesOut(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, req proxy.Request, _ int) (*proxy.Response, error) {
		return nil, blocked(req)
	}}
	challenges := newChallengeRecorder()
	s := newSession(t, fetchModule, exec, func(o *Options) {
		o.Challenges = challenges
		o.ChallengeRetryMax = 2
		o.RequestTimeout = 100 * time.Millisecond
	})

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "error:timeout:1", value)

	ev := challenges.next(t)
	assert.ErrorIs(t, s.Retry(ev.RequestID), ErrNoChallenge)
}

func TestStartReportsScriptError(t *testing.T) {
	s, err := New(Options{ModuleID: "broken", Source: `throw new Error("bad module");`, Proxy: respond("")})
	require.NoError(t, err)
	defer s.Close()

	err = s.Start(context.Background())
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "bad module")
}

func TestCallbackTimeout(t *testing.T) {
	s := newSession(t, `window.onmessage = function () { for (;;) {} };`, respond(""), func(o *Options) {
		o.CallbackTimeout = 50 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Invoke(ctx, "q", "search")
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "time limit")

	_, waitErr := s.Wait(ctx)
	assert.ErrorAs(t, waitErr, &se)
}

func TestScriptLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := newSession(t, `
window.onmessage = function () {
  console.log("hello", {a: 1});
  console.error("bad thing");
  window.webkit.messageHandlers.logHandler.postMessage("raw [diag] line");
  finish("done");
};`, respond(""), func(o *Options) { o.ScriptLogger = zap.New(core) })

	_, err := run(t, s, "q")
	require.NoError(t, err)

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, `hello {"a":1}`, entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "raw [diag] line", entries[2].Message)
}

func TestSandboxedGlobals(t *testing.T) {
	s := newSession(t, `
window.onmessage = function () {
  finish([typeof require, typeof process, typeof module, typeof window.webkit, window === this].join(","));
};`, respond(""), nil)

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "undefined,undefined,undefined,object,true", value)
}

func TestTimersRunOnLoop(t *testing.T) {
	s := newSession(t, `
window.onmessage = function () { setTimeout(function () { finish("later"); }, 10); };`, respond(""), nil)

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "later", value)
}

func TestBusyTimerInterrupted(t *testing.T) {
	s := newSession(t, `
setTimeout(function () { while (true) {} }, 0);
window.onmessage = function (event) {
  var msg = JSON.parse(event.data);
  if (msg.action === "logic") {
    post({action: "HTTPRequest", reqId: 1, url: "https://example.com/", headers: {}});
    return;
  }
  finish("got:" + msg.responseText);
};`, respond("ok"), func(o *Options) {
		o.CallbackTimeout = 100 * time.Millisecond
	})

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "got:ok", value)
}

func TestClearedTimerNeverFires(t *testing.T) {
	s := newSession(t, `
window.onmessage = function () {
  var id = setTimeout(function () { finish("cleared"); }, 10);
  clearTimeout(id);
  var n = 0;
  var iv = setInterval(function () {
    if (++n === 3) { clearInterval(iv); setTimeout(function () { finish("ticks:" + n); }, 30); }
  }, 5);
};`, respond(""), nil)

	value, err := run(t, s, "q")
	require.NoError(t, err)
	assert.Equal(t, "ticks:3", value)
}

func TestCloseDuringStart(t *testing.T) {
	s, err := New(Options{
		ModuleID:        "spin",
		Source:          `for (;;) {}`,
		Proxy:           respond(""),
		CallbackTimeout: 30 * time.Second,
	})
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	s.Close()

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after close")
	}
}

func TestLifecycleErrors(t *testing.T) {
	s, err := New(Options{ModuleID: "idle", Proxy: respond("")})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Invoke(context.Background(), "q", "a"), ErrNotStarted)
	s.Close()
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Retry(protocol.NumberID(1)), ErrClosed)

	_, err = New(Options{})
	assert.Error(t, err)
}
