package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m3rciful/wagate/core/buildinfo"
	"github.com/m3rciful/wagate/core/session"
)

// Builtin returns a loader registering the core command set. prefix is only
// used to render the menu.
func Builtin(prefix string) func(*Registry) {
	started := time.Now()

	return func(r *Registry) {
		r.Register(Plugin{
			Command:     "ping",
			Description: "check that the bot is alive",
			Exec: func(ctx context.Context, conn session.Conn, _ string, msg *session.Message, _ string) error {
				return conn.Send(ctx, msg.Chat, "pong")
			},
		})

		r.Register(Plugin{
			Command:     "uptime",
			Description: "time since the gateway started",
			Exec: func(ctx context.Context, conn session.Conn, _ string, msg *session.Message, _ string) error {
				up := time.Since(started).Round(time.Second)
				return conn.Send(ctx, msg.Chat, fmt.Sprintf("uptime: %s (version %s)", up, buildinfo.Version))
			},
		})

		r.Register(Plugin{
			Command:     "menu",
			Description: "list available commands",
			Exec: func(ctx context.Context, conn session.Conn, _ string, msg *session.Message, _ string) error {
				var b strings.Builder
				b.WriteString("Commands:\n")
				for _, p := range r.Commands() {
					fmt.Fprintf(&b, "%s%s - %s\n", prefix, p.Command, p.Description)
				}
				return conn.Send(ctx, msg.Chat, b.String())
			},
		})
	}
}
