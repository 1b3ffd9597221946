package runner

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Supervisor tracks the subprocesses of one flow execution by step id and
// terminates their process groups on request.
type Supervisor struct {
	grace time.Duration

	mu    sync.Mutex
	procs map[string]*tracked
}

type tracked struct {
	pid  int
	done chan struct{}
}

// NewSupervisor creates a supervisor that waits grace between the polite
// signal and the kill.
func NewSupervisor(grace time.Duration) *Supervisor {
	return &Supervisor{grace: grace, procs: make(map[string]*tracked)}
}

// track registers a started process. done must be closed once the process
// has been reaped.
func (s *Supervisor) track(stepID string, pid int, done chan struct{}) {
	s.mu.Lock()
	s.procs[stepID] = &tracked{pid: pid, done: done}
	s.mu.Unlock()
}

func (s *Supervisor) untrack(stepID string) {
	s.mu.Lock()
	delete(s.procs, stepID)
	s.mu.Unlock()
}

// PID returns the tracked pid of a step, if any.
func (s *Supervisor) PID(stepID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[stepID]
	if !ok {
		return 0, false
	}
	return p.pid, true
}

// Alive lists the pids currently tracked, sorted.
func (s *Supervisor) Alive() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.procs))
	for _, p := range s.procs {
		pids = append(pids, p.pid)
	}
	sort.Ints(pids)
	return pids
}

// Terminate signals the step's process group, waits up to the grace period
// for it to exit and then kills the group. It returns once the process has
// been reaped. Terminating an unknown or finished step is a no-op.
func (s *Supervisor) Terminate(stepID string) {
	s.mu.Lock()
	p, ok := s.procs[stepID]
	s.mu.Unlock()
	if !ok {
		return
	}

	slog.Debug("terminating step process group", "step_id", stepID, "pid", p.pid)
	if err := signalGroup(p.pid, false); err != nil {
		slog.Debug("terminate signal failed", "step_id", stepID, "pid", p.pid, "error", err)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		// exited; still kill stragglers that ignored the signal
		signalGroup(p.pid, true)
		return
	case <-timer.C:
	}

	slog.Warn("step ignored termination, killing", "step_id", stepID, "pid", p.pid, "grace", s.grace.String())
	if err := signalGroup(p.pid, true); err != nil {
		slog.Debug("kill failed", "step_id", stepID, "pid", p.pid, "error", err)
	}
	<-p.done
}

// TerminateAll terminates every tracked step concurrently and waits.
func (s *Supervisor) TerminateAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Terminate(id)
		}()
	}
	wg.Wait()
}
