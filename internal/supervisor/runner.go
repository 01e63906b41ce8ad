package supervisor

import (
	"io"
	"net"
	"os/exec"
	"sort"
	"strings"
)

// LaunchSpec describes a child process to start.
type LaunchSpec struct {
	Binary string
	Args   []string
	Env    []string
	Dir    string
}

// HostRunner starts child processes on the host.
type HostRunner interface {
	Start(spec LaunchSpec, output io.Writer) (Cmd, error)
	IsPortAvailable(port string) bool
}

// Cmd is a started child. Signals are delivered to the child's whole process group.
type Cmd interface {
	Wait() error
	PID() int
	Terminate() error
	Kill() error
}

// LocalRunner runs children as local OS processes.
type LocalRunner struct{}

type localCmd struct {
	execCmd *exec.Cmd
}

// Start launches the child in its own process group with stdout and stderr
// both sent to output.
func (r *LocalRunner) Start(spec LaunchSpec, output io.Writer) (Cmd, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = output
	cmd.Stderr = output
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &localCmd{execCmd: cmd}, nil
}

// IsPortAvailable reports whether nothing is listening on the loopback port.
func (r *LocalRunner) IsPortAvailable(port string) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func (c *localCmd) Wait() error {
	return c.execCmd.Wait()
}

func (c *localCmd) PID() int {
	if c.execCmd.Process != nil {
		return c.execCmd.Process.Pid
	}
	return 0
}

func (c *localCmd) Terminate() error {
	return signalGroup(c.PID(), sigTERM)
}

func (c *localCmd) Kill() error {
	return signalGroup(c.PID(), sigKILL)
}

// MergeEnv returns base with overrides applied. Override keys are appended
// in sorted order so the result is deterministic.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
