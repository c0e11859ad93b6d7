package taniwha

import (
	"context"
	"strings"
	"sync"
)

type (
	stubHandler struct {
		substr string
		out    string
		err    error
	}

	// StubRunner is a NodeRunner with scripted responses for testing.
	// Commands match handlers by substring, later registrations taking
	// precedence; unmatched commands succeed with empty output. Every
	// call is recorded as "node: command".
	StubRunner struct {
		mutex    sync.Mutex
		handlers []stubHandler
		calls    []string
	}
)

// NewStubRunner creates an empty StubRunner.
func NewStubRunner() *StubRunner {
	return &StubRunner{}
}

// Handle makes commands containing substr return out and err. Later
// registrations shadow earlier ones.
func (r *StubRunner) Handle(substr, out string, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handlers = append([]stubHandler{{substr: substr, out: out, err: err}}, r.handlers...)
}

// Calls returns the recorded calls.
func (r *StubRunner) Calls() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.calls...)
}

// CallsMatching counts recorded calls containing substr.
func (r *StubRunner) CallsMatching(substr string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n := 0
	for _, c := range r.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Run matches the command against registered handlers.
func (r *StubRunner) Run(ctx context.Context, node, command string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := strings.Join(append([]string{command}, args...), " ")

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls = append(r.calls, node+": "+full)

	for _, h := range r.handlers {
		if strings.Contains(full, h.substr) {
			if h.err != nil {
				return []byte(h.out), &CommandError{
					Node:    node,
					Command: full,
					Output:  []byte(h.out),
					Err:     h.err,
				}
			}
			return []byte(h.out), nil
		}
	}

	return []byte{}, nil
}
