// Package dispatch routes inbound messages to registered plugins and runs
// the per-message auto features backed by the hot-key store.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/m3rciful/wagate/core/logger"
	"github.com/m3rciful/wagate/core/plugins"
	"github.com/m3rciful/wagate/core/session"
	"github.com/m3rciful/wagate/core/store"
	"log/slog"
)

// Handler builds the orchestrator's message handler. Commands are matched
// on the prefix; everything (prefixed or not) also flows through the text
// handlers in registration order.
func Handler(reg *plugins.Registry, st *store.Store, prefix string) session.MessageHandler {
	return func(ctx context.Context, conn session.Conn, sid string, msg *session.Message) {
		if msg.Body == "" {
			return
		}

		// autoread consults the hot index synchronously; a miss must not
		// block the message path
		if v, ok := st.Get(sid, "autoread"); ok && v == true {
			if err := conn.Ack(ctx, msg); err != nil {
				logger.Debug(ctx, "dispatch", "message.autoread",
					slog.String("status", "fail"),
					slog.String("sid", sid),
					slog.String("err", err.Error()),
				)
			}
		}

		if logger.ShouldSampleDebug() {
			logger.Debug(ctx, "dispatch", "message.recv",
				slog.String("sid", sid),
				slog.String("sender", logger.MaskNumber(logger.SanitizeLimit(msg.Sender, 32))),
				slog.Int("bytes", len(msg.Body)),
			)
		}

		snap := reg.Snapshot()

		if strings.HasPrefix(msg.Body, prefix) {
			fields := strings.Fields(strings.TrimSpace(msg.Body[len(prefix):]))
			if len(fields) > 0 {
				cmd := fields[0]
				if p, ok := snap.Commands[cmd]; ok {
					args := strings.Join(fields[1:], " ")
					runPlugin(ctx, p, conn, sid, msg, args)
					return
				}
			}
		}

		for _, p := range snap.Text {
			runPlugin(ctx, p, conn, sid, msg, "")
		}
	}
}

func runPlugin(ctx context.Context, p plugins.Plugin, conn session.Conn, sid string, msg *session.Message, args string) {
	start := time.Now()
	err := p.Exec(ctx, conn, sid, msg, args)
	if err != nil {
		logger.Error(ctx, "dispatch", "command.exec",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("command", p.Command),
			slog.String("err", err.Error()),
		)
		return
	}
	if p.Command != "" && logger.ShouldSampleDebug() {
		logger.Debug(ctx, "dispatch", "command.exec",
			slog.String("status", "ok"),
			slog.String("sid", sid),
			slog.String("command", p.Command),
			slog.Duration("duration", logger.RoundMS(time.Since(start))),
		)
	}
}
