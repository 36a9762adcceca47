package runtime

import (
	"context"
	"strings"
	"sync"
)

// Call records one command invocation made through a FakeRunner
type Call struct {
	Dir  string
	Name string
	Args []string
	Env  []string
}

// FakeRunner records invocations and replays scripted responses.
// Used by the spawner and monitor tests to assert that every external
// command is a bare executable plus a plain argument vector.
type FakeRunner struct {
	mu       sync.Mutex
	Calls    []Call
	Outputs  map[string]string // command prefix -> stdout
	Failures map[string]error  // command prefix -> error
}

// NewFakeRunner creates an empty FakeRunner
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Outputs:  make(map[string]string),
		Failures: make(map[string]error),
	}
}

func (f *FakeRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	return f.RunEnv(ctx, dir, nil, name, args...)
}

func (f *FakeRunner) RunEnv(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Dir: dir, Name: name, Args: args, Env: env})

	key := name + " " + strings.Join(args, " ")
	for prefix, err := range f.Failures {
		if strings.HasPrefix(key, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.Outputs {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

// CallLines renders recorded calls as "name arg arg ..." strings
func (f *FakeRunner) CallLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		lines[i] = strings.Join(append([]string{c.Name}, c.Args...), " ")
	}
	return lines
}

// Count returns how many recorded calls start with prefix
func (f *FakeRunner) Count(prefix string) int {
	n := 0
	for _, line := range f.CallLines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}
