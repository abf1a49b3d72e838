// Package plugins holds the command registry shared by every session.
// Modules queue their registrations through loaders; Load runs them exactly
// once and later sessions reuse the same set through copied snapshots.
package plugins

import (
	"context"
	"sort"
	"sync"

	"github.com/m3rciful/wagate/core/logger"
	"github.com/m3rciful/wagate/core/session"
	"log/slog"
)

// Exec handles one message. args carries the text after the command word.
type Exec func(ctx context.Context, conn session.Conn, sid string, msg *session.Message, args string) error

// Plugin is one registration: either a command (Command set) or a text
// handler (On == "text").
type Plugin struct {
	Command     string
	On          string
	Description string
	Exec        Exec
}

// Snapshot is an immutable view handed to dispatch. Mutating it never
// affects the registry or other sessions.
type Snapshot struct {
	Commands map[string]Plugin
	Text     []Plugin
}

// Registry collects plugin registrations.
type Registry struct {
	mu       sync.Mutex
	loaders  []func(*Registry)
	loadOnce sync.Once
	commands map[string]Plugin
	text     []Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Plugin),
	}
}

// AddLoader queues a module loader to run on the first Load.
func (r *Registry) AddLoader(fn func(*Registry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = append(r.loaders, fn)
}

// Register adds a plugin. The first registration of a command wins;
// duplicates are logged and dropped.
func (r *Registry) Register(p Plugin) {
	ctx := logger.Background()
	if p.Exec == nil || (p.Command == "" && p.On != "text") {
		logger.Warn(ctx, "plugins", "register.skip",
			slog.String("command", p.Command),
			slog.String("reason", "invalid"),
		)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p.On == "text" {
		r.text = append(r.text, p)
		return
	}
	if _, exists := r.commands[p.Command]; exists {
		logger.Warn(ctx, "plugins", "register.duplicate",
			slog.String("command", p.Command),
		)
		return
	}
	r.commands[p.Command] = p
}

// Load runs the queued loaders exactly once. Safe to call from every
// session; later calls return immediately.
func (r *Registry) Load() {
	r.loadOnce.Do(func() {
		r.mu.Lock()
		loaders := r.loaders
		r.mu.Unlock()

		for _, fn := range loaders {
			fn(r)
		}

		r.mu.Lock()
		count := len(r.commands) + len(r.text)
		r.mu.Unlock()
		logger.Info(logger.Background(), "plugins", "plugins.load",
			slog.String("status", "ok"),
			slog.Int("count", count),
		)
	})
}

// Snapshot returns a copy of the current registrations. Load is implied.
func (r *Registry) Snapshot() Snapshot {
	r.Load()
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Commands: make(map[string]Plugin, len(r.commands)),
		Text:     make([]Plugin, len(r.text)),
	}
	for k, v := range r.commands {
		snap.Commands[k] = v
	}
	copy(snap.Text, r.text)
	return snap
}

// Commands returns the registered commands sorted by name, for menus.
func (r *Registry) Commands() []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Plugin, 0, len(r.commands))
	for _, p := range r.commands {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}
