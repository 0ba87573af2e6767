// Package processtest provides a scriptable CommandRunner for tests.
package processtest

import (
	"context"
	"strings"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// Joined returns the arguments as a single space separated string.
func (c Call) Joined() string {
	return strings.Join(c.Args, " ")
}

// Response scripts what an invocation produces.
type Response struct {
	Output []byte   // returned by Run
	Lines  []string // fed to the Stream callback
	Err    error
}

// Handler decides the response for one invocation.
type Handler func(name string, args []string) Response

// FakeRunner records calls and answers them through Handler.
type FakeRunner struct {
	mu      sync.Mutex
	calls   []Call
	Handler Handler
}

// NewFakeRunner returns a runner answering with h.
func NewFakeRunner(h Handler) *FakeRunner {
	return &FakeRunner{Handler: h}
}

func (f *FakeRunner) record(name string, args []string) Response {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	h := f.Handler
	f.mu.Unlock()
	if h == nil {
		return Response{}
	}
	return h(name, args)
}

// Run implements process.CommandRunner.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := f.record(name, args)
	return resp.Output, resp.Err
}

// Stream implements process.CommandRunner.
func (f *FakeRunner) Stream(ctx context.Context, name string, args []string, onLine func(string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp := f.record(name, args)
	for _, l := range resp.Lines {
		if onLine != nil {
			onLine(l)
		}
	}
	return resp.Err
}

// Calls returns a copy of every recorded call.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls to the named tool.
func (f *FakeRunner) CallsTo(name string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// HasArg reports whether args contains arg.
func HasArg(args []string, arg string) bool {
	for _, a := range args {
		if a == arg {
			return true
		}
	}
	return false
}

// ArgAfter returns the argument following flag, or "".
func ArgAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// LastArg returns the final argument, usually an output path.
func LastArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}
