// Package launcher starts and stops worker agent processes on behalf of
// the relay spawn manager.
//
// The daemon itself never manages subprocess lifecycles beyond
// bookkeeping; the Launcher interface is the injected boundary. The
// default implementation execs a CLI selected from a YAML profile file,
// detaches it, and expects the worker to connect back to the relay socket
// as an ordinary client.
package launcher

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Spec describes a worker to launch.
type Spec struct {
	Name       string // agent name the worker must HELLO as
	CLI        string // profile key (e.g. "claude", "codex")
	Task       string // initial task description
	Cwd        string // working directory ("" = inherit)
	Team       string
	Model      string
	SocketPath string // relay socket the worker connects back to
	ParentName string // agent that requested the spawn
}

// Result reports the outcome of a launch or stop.
type Result struct {
	Success bool
	PID     int
	Error   string
}

// Launcher starts and stops worker agent processes.
// Launch is synchronous from the caller's perspective: it returns once the
// child has been started. The child connects back to the daemon
// asynchronously. Retries and backoff are the launcher's concern.
type Launcher interface {
	Launch(spec Spec) Result
	Stop(name string) Result
}

// Profile describes how to start one CLI. Argument and environment values
// may reference spec fields via placeholders: {name}, {task}, {cwd},
// {model}, {socket}, {parent}, {team}.
type Profile struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// profilesFile is the on-disk shape of clis.yaml.
type profilesFile struct {
	CLIs map[string]Profile `yaml:"clis"`
}

// DefaultProfiles returns the built-in CLI profiles used when no
// clis.yaml exists.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"claude": {
			Command: "claude",
			Args:    []string{"--print", "{task}"},
			Env:     []string{"RELAY_AGENT_NAME={name}", "RELAY_SOCKET_PATH={socket}"},
		},
		"codex": {
			Command: "codex",
			Args:    []string{"exec", "{task}"},
			Env:     []string{"RELAY_AGENT_NAME={name}", "RELAY_SOCKET_PATH={socket}"},
		},
	}
}

// LoadProfiles reads CLI profiles from a YAML file, merged over the
// defaults. A missing file is not an error.
func LoadProfiles(path string) (map[string]Profile, error) {
	profiles := DefaultProfiles()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return profiles, nil
		}
		return nil, fmt.Errorf("read cli profiles: %w", err)
	}

	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cli profiles: %w", err)
	}
	for name, p := range f.CLIs {
		if p.Command == "" {
			return nil, fmt.Errorf("cli profile %q has no command", name)
		}
		profiles[name] = p
	}
	return profiles, nil
}

// expand substitutes spec fields into a profile template string.
func expand(s string, spec Spec) string {
	r := strings.NewReplacer(
		"{name}", spec.Name,
		"{task}", spec.Task,
		"{cwd}", spec.Cwd,
		"{model}", spec.Model,
		"{socket}", spec.SocketPath,
		"{parent}", spec.ParentName,
		"{team}", spec.Team,
	)
	return r.Replace(s)
}

// ExecLauncher launches workers as detached OS processes.
type ExecLauncher struct {
	profiles map[string]Profile

	mu sync.Mutex
	// +checklocks:mu
	procs map[string]*os.Process // agent name -> running process
}

// NewExecLauncher creates a launcher with the given CLI profiles.
func NewExecLauncher(profiles map[string]Profile) *ExecLauncher {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &ExecLauncher{
		profiles: profiles,
		procs:    make(map[string]*os.Process),
	}
}

// Known reports whether the launcher has a profile for the given CLI.
func (l *ExecLauncher) Known(cli string) bool {
	_, ok := l.profiles[cli]
	return ok
}

// Launch starts a worker process for spec.
func (l *ExecLauncher) Launch(spec Spec) Result {
	profile, ok := l.profiles[spec.CLI]
	if !ok {
		return Result{Error: fmt.Sprintf("unknown cli %q", spec.CLI)}
	}

	args := make([]string, len(profile.Args))
	for i, a := range profile.Args {
		args[i] = expand(a, spec)
	}

	cmd := exec.Command(profile.Command, args...)
	cmd.Env = os.Environ()
	for _, e := range profile.Env {
		cmd.Env = append(cmd.Env, expand(e, spec))
	}
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return Result{Error: fmt.Sprintf("start %s: %v", profile.Command, err)}
	}

	pid := cmd.Process.Pid
	l.mu.Lock()
	l.procs[spec.Name] = cmd.Process
	l.mu.Unlock()

	// Reap the child when it exits so it never lingers as a zombie.
	go func(name string) {
		_ = cmd.Wait()
		l.mu.Lock()
		if p, ok := l.procs[name]; ok && p.Pid == pid {
			delete(l.procs, name)
		}
		l.mu.Unlock()
		slog.Debug("worker process exited", "agent", name, "pid", pid)
	}(spec.Name)

	slog.Info("worker launched", "agent", spec.Name, "cli", spec.CLI, "pid", pid)
	return Result{Success: true, PID: pid}
}

// Stop terminates the worker launched under the given agent name.
func (l *ExecLauncher) Stop(name string) Result {
	l.mu.Lock()
	proc, ok := l.procs[name]
	delete(l.procs, name)
	l.mu.Unlock()

	if !ok {
		return Result{Error: fmt.Sprintf("no worker process for %q", name)}
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		// Already gone counts as stopped.
		slog.Debug("signal worker failed", "agent", name, "error", err)
	}
	slog.Info("worker stopped", "agent", name, "pid", proc.Pid)
	return Result{Success: true}
}
