// Package supervisor spawns, health-checks and terminates browser child processes.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinchtab/pinchtab/internal/domain"
	"github.com/pinchtab/pinchtab/internal/logging"
)

// Timings controls health polling and the stop escalation ladder.
type Timings struct {
	HealthPollInterval time.Duration
	StartupTimeout     time.Duration
	GracefulTimeout    time.Duration
	StopGracePeriod    time.Duration
	TermGracePeriod    time.Duration
	KillGracePeriod    time.Duration
	AdoptPollInterval  time.Duration
}

// DefaultTimings matches the behaviour children are built against.
func DefaultTimings() Timings {
	return Timings{
		HealthPollInterval: 500 * time.Millisecond,
		StartupTimeout:     45 * time.Second,
		GracefulTimeout:    4 * time.Second,
		StopGracePeriod:    5 * time.Second,
		TermGracePeriod:    3 * time.Second,
		KillGracePeriod:    2 * time.Second,
		AdoptPollInterval:  250 * time.Millisecond,
	}
}

// Process is a supervised child. Exactly one goroutine waits on it.
type Process struct {
	cmd     Cmd
	pid     int
	logs    *RingBuffer
	adopted bool

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// Logs returns the captured output of the child.
func (p *Process) Logs() *RingBuffer { return p.logs }

// Adopted reports whether the process was started by a previous orchestrator.
func (p *Process) Adopted() bool { return p.adopted }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) finish(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Supervisor owns the OS process handles of all children.
type Supervisor struct {
	runner  HostRunner
	timings Timings
	logSize int
	log     *logrus.Entry
}

// New creates a supervisor. logSize bounds the captured output per child.
func New(runner HostRunner, timings Timings, logSize int) *Supervisor {
	return &Supervisor{
		runner:  runner,
		timings: timings,
		logSize: logSize,
		log:     logging.NewLogger("supervisor"),
	}
}

// Runner returns the host runner used to start children.
func (s *Supervisor) Runner() HostRunner { return s.runner }

// Spawn starts a child and begins waiting on it.
func (s *Supervisor) Spawn(spec LaunchSpec) (*Process, error) {
	logs := NewRingBuffer(s.logSize)
	cmd, err := s.runner.Start(spec, logs)
	if err != nil {
		return nil, domain.WrapError(domain.KindSpawn, err, "failed to start %s", spec.Binary)
	}

	p := &Process{cmd: cmd, pid: cmd.PID(), logs: logs, done: make(chan struct{})}
	go func() {
		p.finish(cmd.Wait())
	}()

	s.log.WithFields(logrus.Fields{"pid": p.pid, "binary": spec.Binary}).Debug("child spawned")
	return p, nil
}

// Adopt wraps a live process started by an earlier orchestrator run. Its
// output is not available and exit is detected by polling.
func (s *Supervisor) Adopt(pid int) *Process {
	cmd := &adoptedCmd{pid: pid, poll: s.timings.AdoptPollInterval}
	p := &Process{cmd: cmd, pid: pid, logs: NewRingBuffer(s.logSize), adopted: true, done: make(chan struct{})}
	_, _ = p.logs.Write([]byte(fmt.Sprintf("adopted running process %d; earlier output unavailable\n", pid)))
	go func() {
		p.finish(cmd.Wait())
	}()
	return p
}

// Alive reports whether pid refers to a running process.
func Alive(pid int) bool {
	return processAlive(pid)
}

// HealthProbe probes a child once and returns the base URL that answered.
type HealthProbe func(ctx context.Context) (baseURL string, ok bool, detail string)

// WaitHealthy polls probe until it succeeds, the process exits, the startup
// timeout passes or ctx is cancelled.
func (s *Supervisor) WaitHealthy(ctx context.Context, p *Process, probe HealthProbe) (string, error) {
	ticker := time.NewTicker(s.timings.HealthPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.timings.StartupTimeout)
	defer deadline.Stop()

	lastProbe := "no response"
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-p.Done():
			msg := "process exited before health check succeeded"
			if err := p.ExitErr(); err != nil {
				msg = "process exited before health check: " + err.Error()
			}
			return "", domain.NewError(domain.KindSpawn, "%s", withTail(msg, p))
		case <-deadline.C:
			msg := fmt.Sprintf("health check timeout after %s (%s)", s.timings.StartupTimeout, lastProbe)
			return "", domain.NewError(domain.KindTimeout, "%s", withTail(msg, p))
		case <-ticker.C:
			url, ok, detail := probe(ctx)
			if ok {
				return url, nil
			}
			if detail != "" {
				lastProbe = detail
			}
		}
	}
}

// Terminate stops a child, escalating from a graceful request to SIGTERM and
// then SIGKILL. It returns a timeout error if the process survives all of it.
func (s *Supervisor) Terminate(ctx context.Context, p *Process, graceful func(ctx context.Context) error) error {
	if p.Exited() {
		return nil
	}
	log := s.log.WithField("pid", p.pid)

	if graceful != nil {
		gctx, cancel := context.WithTimeout(ctx, s.timings.GracefulTimeout)
		err := graceful(gctx)
		cancel()
		if err == nil {
			if s.waitExit(ctx, p, s.timings.StopGracePeriod) {
				return nil
			}
			log.Warn("child ignored graceful shutdown")
		} else {
			log.WithError(err).Debug("graceful shutdown request failed")
		}
	}

	if err := p.cmd.Terminate(); err != nil && !p.Exited() {
		log.WithError(err).Warn("failed to send SIGTERM")
	}
	if s.waitExit(ctx, p, s.timings.TermGracePeriod) {
		return nil
	}

	log.Warn("child ignored SIGTERM, sending SIGKILL")
	if err := p.cmd.Kill(); err != nil && !p.Exited() {
		log.WithError(err).Warn("failed to send SIGKILL")
	}
	if s.waitExit(ctx, p, s.timings.KillGracePeriod) {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return domain.NewError(domain.KindTimeout, "failed to stop process %d; still running", p.pid)
}

func (s *Supervisor) waitExit(ctx context.Context, p *Process, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.Done():
		return true
	case <-timer.C:
		return p.Exited()
	case <-ctx.Done():
		return p.Exited()
	}
}

func withTail(msg string, p *Process) string {
	if tail := p.logs.LastLine(); tail != "" {
		return msg + " | " + tail
	}
	return msg
}

type adoptedCmd struct {
	pid  int
	poll time.Duration
}

func (c *adoptedCmd) Wait() error {
	for processAlive(c.pid) {
		time.Sleep(c.poll)
	}
	return nil
}

func (c *adoptedCmd) PID() int { return c.pid }

func (c *adoptedCmd) Terminate() error { return signalGroup(c.pid, sigTERM) }

func (c *adoptedCmd) Kill() error { return signalGroup(c.pid, sigKILL) }
