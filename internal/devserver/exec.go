package devserver

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaynote/internal/execution"
)

const (
	venvCreating      = "creating"
	containerStarting = "starting"
)

// environments simulates the execution service. An environment becomes
// ready delay after Start. Programs are not executed: print calls with a
// literal argument are echoed and a raise line fails the run.
type environments struct {
	mu     sync.Mutex
	delay  time.Duration
	now    func() time.Time
	byRoom map[string]*environment
}

type environment struct {
	startedAt time.Time
	started   bool
}

func newEnvironments(delay time.Duration) *environments {
	return &environments{delay: delay, now: time.Now, byRoom: map[string]*environment{}}
}

func (e *environments) start(room string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	env, ok := e.byRoom[room]
	if ok && env.started {
		return
	}
	e.byRoom[room] = &environment{startedAt: e.now(), started: true}
}

func (e *environments) stop(room string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byRoom, room)
}

func (e *environments) status(room string) execution.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	env, ok := e.byRoom[room]
	if !ok || !env.started {
		return execution.Status{Venv: "missing", Container: "stopped"}
	}
	if e.now().Sub(env.startedAt) < e.delay {
		return execution.Status{Venv: venvCreating, Container: containerStarting}
	}
	return execution.Status{Venv: execution.VenvReady, Container: execution.ContainerRunning}
}

func runProgram(code string) execution.Result {
	var out strings.Builder
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "raise "):
			return execution.Result{Output: out.String(), Error: strings.TrimPrefix(line, "raise ")}
		case strings.HasPrefix(line, "print(") && strings.HasSuffix(line, ")"):
			arg := strings.TrimSuffix(strings.TrimPrefix(line, "print("), ")")
			if unquoted, err := strconv.Unquote(arg); err == nil {
				arg = unquoted
			} else if len(arg) >= 2 && arg[0] == '\'' && arg[len(arg)-1] == '\'' {
				arg = arg[1 : len(arg)-1]
			}
			out.WriteString(arg)
			out.WriteByte('\n')
		}
	}
	return execution.Result{Output: out.String()}
}
