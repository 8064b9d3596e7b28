package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tessro/relay/internal/logging"
	"github.com/tessro/relay/internal/protocol"
)

// outboxRequest is the JSON shape of a drop file. Kind selects what gets
// synthesized: "message" becomes a SEND, "spawn" a SPAWN, "release" a
// RELEASE.
type outboxRequest struct {
	Kind    string `json:"kind"`
	From    string `json:"from"`
	To      string `json:"to,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`

	// spawn / release fields
	Name  string `json:"name,omitempty"`
	CLI   string `json:"cli,omitempty"`
	Task  string `json:"task,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
	Team  string `json:"team,omitempty"`
	Model string `json:"model,omitempty"`
}

// Outbox watches a drop directory for request files and feeds synthesized
// envelopes into the daemon. It exists for tooling that cannot hold a
// socket open: write a JSON file, the daemon routes it and unlinks it.
type Outbox struct {
	dir          string
	staleTimeout time.Duration
	ingest       func(from string, env *protocol.Envelope)

	watcher *fsnotify.Watcher
}

// NewOutbox creates an outbox watcher on dir. ingest receives each
// synthesized envelope with the originating agent name.
func NewOutbox(dir string, staleTimeout time.Duration, ingest func(from string, env *protocol.Envelope)) *Outbox {
	return &Outbox{dir: dir, staleTimeout: staleTimeout, ingest: ingest}
}

// Run watches the outbox directory until ctx is cancelled. Files already
// present at startup are processed first.
func (o *Outbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(o.dir, 0o700); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("outbox watcher: %w", err)
	}
	o.watcher = watcher
	defer watcher.Close()

	if err := watcher.Add(o.dir); err != nil {
		return fmt.Errorf("watch %s: %w", o.dir, err)
	}

	o.sweep()

	staleTicker := time.NewTicker(o.staleTimeout)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			o.process(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("outbox watch error", "error", err)
		case <-staleTicker.C:
			o.reapStale()
		}
	}
}

// sweep processes files left over from before the watcher started.
func (o *Outbox) sweep() {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		slog.Warn("outbox sweep failed", "dir", o.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		o.process(filepath.Join(o.dir, entry.Name()))
	}
}

// process parses one drop file, hands it to ingest, and unlinks it.
// Editors and atomic writers leave hidden and .tmp files; skip those.
func (o *Outbox) process(path string) {
	defer logging.LogPanic("outbox-process", nil)

	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("outbox read failed", "file", base, "error", err)
		}
		return
	}
	if len(data) == 0 {
		// Writer may still be flushing; the Write event will retry.
		return
	}

	var req outboxRequest
	if err := json.Unmarshal(data, &req); err != nil {
		// A writer without atomic rename may still be mid-write; a later
		// Write event retries, and reapStale disposes of files that never
		// become parseable.
		slog.Debug("outbox file not yet parseable", "file", base, "error", err)
		return
	}

	env, err := o.synthesize(&req)
	if err != nil {
		slog.Warn("outbox request rejected", "file", base, "error", err)
		_ = os.Remove(path)
		return
	}

	o.ingest(req.From, env)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("outbox remove failed", "file", base, "error", err)
	}
	slog.Debug("outbox request ingested", "file", base, "kind", env.Kind, "from", req.From)
}

// synthesize builds the envelope a connected client would have sent.
func (o *Outbox) synthesize(req *outboxRequest) (*protocol.Envelope, error) {
	if req.From == "" {
		return nil, fmt.Errorf("missing from")
	}
	switch req.Kind {
	case "message", "":
		if req.To == "" && req.Topic == "" {
			return nil, fmt.Errorf("message needs to or topic")
		}
		env := protocol.NewWithPayload(protocol.KindSend, protocol.MessagePayload{
			Kind: protocol.MessageKindMessage,
			Body: req.Message,
		})
		env.From = req.From
		env.To = req.To
		env.Topic = req.Topic
		return env, nil
	case "spawn":
		if req.Name == "" || req.CLI == "" {
			return nil, fmt.Errorf("spawn needs name and cli")
		}
		env := protocol.NewWithPayload(protocol.KindSpawn, protocol.SpawnPayload{
			Name:  req.Name,
			CLI:   req.CLI,
			Task:  req.Task,
			Cwd:   req.Cwd,
			Team:  req.Team,
			Model: req.Model,
		})
		env.From = req.From
		return env, nil
	case "release":
		if req.Name == "" {
			return nil, fmt.Errorf("release needs name")
		}
		env := protocol.NewWithPayload(protocol.KindRelease, protocol.ReleasePayload{
			Name: req.Name,
		})
		env.From = req.From
		return env, nil
	default:
		return nil, fmt.Errorf("unknown outbox kind %q", req.Kind)
	}
}

// reapStale removes files that have sat unprocessed past the stale
// timeout: a writer crashed mid-write or dropped something the daemon
// can never parse. Hidden and .tmp files stay; they belong to writers.
func (o *Outbox) reapStale() {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-o.staleTimeout)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			slog.Warn("removing stale outbox file",
				"file", name, "age", time.Since(info.ModTime()).Round(time.Second))
			_ = os.Remove(filepath.Join(o.dir, name))
		}
	}
}
