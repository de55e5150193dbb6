package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"
)

var (
	errCallbackTimeout = errors.New("script callback exceeded time limit")
	errEngineStopped   = errors.New("script engine stopped")
)

// timerBuiltins are the loop globals whose callbacks run under the
// callback time limit.
var timerBuiltins = []string{"setTimeout", "setInterval", "setImmediate"}

// engine owns the script VM. Every touch of the VM happens on the event
// loop goroutine; other goroutines hand work over with submit or call.
type engine struct {
	loop    *eventloop.EventLoop
	vm      atomic.Pointer[goja.Runtime]
	timeout time.Duration
	logger  *zap.Logger

	stopOnce sync.Once
	halted   chan struct{}
	reason   error // set before halted is closed
}

func newEngine(timeout time.Duration, logger *zap.Logger) *engine {
	return &engine{
		loop:    eventloop.NewEventLoop(eventloop.EnableConsole(false)),
		timeout: timeout,
		logger:  logger,
		halted:  make(chan struct{}),
	}
}

// start runs the loop and performs setup on it before returning.
func (e *engine) start(ctx context.Context, setup func(vm *goja.Runtime) error) error {
	e.loop.Start()
	return e.call(ctx, func(vm *goja.Runtime) error {
		e.vm.Store(vm)
		if e.stopped() {
			return e.reason
		}
		vm.SetMaxCallStackSize(1024)
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		e.guardTimers(vm)
		return setup(vm)
	})
}

// guardTimers wraps the loop's timer globals so every timer callback runs
// under guard. Returned handles are the loop's own, so the clear functions
// keep working.
func (e *engine) guardTimers(vm *goja.Runtime) {
	for _, name := range timerBuiltins {
		orig, ok := goja.AssertFunction(vm.Get(name))
		if !ok {
			continue
		}
		_ = vm.Set(name, func(call goja.FunctionCall) goja.Value {
			args := call.Arguments
			if cb, ok := goja.AssertFunction(call.Argument(0)); ok {
				args = append([]goja.Value{vm.ToValue(func(inner goja.FunctionCall) goja.Value {
					err := e.guard(vm, func() error {
						_, err := cb(goja.Undefined(), inner.Arguments...)
						return err
					})
					if err != nil && !e.stopped() {
						e.logger.Warn("Timer callback failed",
							zap.String("timer", name),
							zap.Error(scriptError(err)))
					}
					return goja.Undefined()
				})}, args[1:]...)
			}
			v, err := orig(goja.Undefined(), args...)
			if err != nil {
				panic(err)
			}
			return v
		})
	}
}

// submit queues fn on the loop without waiting.
func (e *engine) submit(fn func(vm *goja.Runtime)) {
	e.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Recovered from panic on script loop",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
			}
		}()
		fn(vm)
	})
}

// call queues fn on the loop and waits for its result or ctx.
func (e *engine) call(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	result := make(chan error, 1)
	e.submit(func(vm *goja.Runtime) {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in script callback: %v", r)
			}
			result <- err
		}()
		err = fn(vm)
	})

	select {
	case err := <-result:
		return err
	case <-e.halted:
		// The loop may have dropped the job; prefer its result if it ran.
		select {
		case err := <-result:
			return err
		default:
			return e.reason
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// guard runs fn with the callback time limit armed. Must be called on the loop.
func (e *engine) guard(vm *goja.Runtime, fn func() error) error {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			vm.Interrupt(errCallbackTimeout)
		case <-done:
		}
	}()

	err := fn()
	close(done)
	<-exited
	vm.ClearInterrupt()
	// A stop that landed while fn ran keeps the VM interrupted.
	if e.stopped() {
		vm.Interrupt(e.reason)
	}
	return err
}

// runScript evaluates src under the callback time limit.
func (e *engine) runScript(vm *goja.Runtime, name, src string) error {
	return e.guard(vm, func() error {
		_, err := vm.RunScript(name, src)
		return err
	})
}

func (e *engine) stopped() bool {
	select {
	case <-e.halted:
		return true
	default:
		return false
	}
}

// interrupt aborts whatever the VM is running. Safe from any goroutine.
func (e *engine) interrupt(reason error) {
	if vm := e.vm.Load(); vm != nil {
		vm.Interrupt(reason)
	}
}

// stop interrupts running script and shuts the loop down without waiting
// for queued jobs. A VM still being set up sees the stop once it is stored.
func (e *engine) stop(reason error) {
	e.stopOnce.Do(func() {
		if reason == nil {
			reason = errEngineStopped
		}
		e.reason = reason
		close(e.halted)
		e.interrupt(reason)
		e.loop.StopNoWait()
	})
}

// exportText turns a postMessage argument into message text. Strings pass
// through; anything else is serialized as JSON.
func exportText(v goja.Value) (string, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", false
	}
	if s, ok := v.Export().(string); ok {
		return s, true
	}
	text, err := sonic.ConfigStd.MarshalToString(v.Export())
	if err != nil {
		return "", false
	}
	return text, true
}

// joinArgs renders console arguments the way browsers print them.
func joinArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if obj, ok := arg.(*goja.Object); ok && obj.ClassName() != "Function" && obj.ClassName() != "Error" {
			if text, err := sonic.ConfigStd.MarshalToString(obj.Export()); err == nil {
				parts = append(parts, text)
				continue
			}
		}
		parts = append(parts, arg.String())
	}
	return strings.Join(parts, " ")
}

// scriptError converts a goja exception into a ScriptError.
func scriptError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &ScriptError{Message: exc.Value().String(), Stack: exc.String()}
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &ScriptError{Message: fmt.Sprint(interrupted.Value()), Err: err}
	}
	return &ScriptError{Message: err.Error(), Err: err}
}
