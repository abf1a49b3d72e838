package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m3rciful/wagate/core/buildinfo"
	"github.com/m3rciful/wagate/core/creds"
	"github.com/m3rciful/wagate/core/logger"
	"github.com/m3rciful/wagate/core/store"
	"log/slog"
)

// Repo is the durable credential storage consumed by the orchestrator. The
// sessions table repository in core/database satisfies it.
type Repo interface {
	Save(ctx context.Context, number string, creds json.RawMessage) error
	Get(ctx context.Context, number string) (json.RawMessage, error)
	Numbers(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, number string) error
}

// MessageHandler consumes inbound messages. sid is the canonical session id.
type MessageHandler func(ctx context.Context, conn Conn, sid string, msg *Message)

// Options tune orchestrator behavior; zero values get sane defaults.
type Options struct {
	AuthDir            string
	Prefix             string
	WorkType           string
	ReconnectBackoff   time.Duration
	PairTimeout        time.Duration
	RestoreConcurrency int
	RestoreDelay       time.Duration
	Persist            creds.Options
}

// Orchestrator drives session lifecycles: it materializes credentials from
// the database, dials, reacts to connection events, and tears sessions down.
type Orchestrator struct {
	manager *Manager
	dialer  Dialer
	store   *store.Store
	repo    Repo
	opts    Options

	onMessage MessageHandler
	wg        sync.WaitGroup
}

// New wires an orchestrator. The message handler is attached separately via
// OnMessage before any session connects.
func New(m *Manager, d Dialer, st *store.Store, repo Repo, opts Options) *Orchestrator {
	if opts.AuthDir == "" {
		opts.AuthDir = "auth"
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 3 * time.Second
	}
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = 60 * time.Second
	}
	if opts.RestoreConcurrency <= 0 {
		opts.RestoreConcurrency = 3
	}
	return &Orchestrator{
		manager: m,
		dialer:  d,
		store:   st,
		repo:    repo,
		opts:    opts,
	}
}

// OnMessage installs the inbound message handler.
func (o *Orchestrator) OnMessage(fn MessageHandler) {
	o.onMessage = fn
}

// Wait blocks until every event loop has exited. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) authDir(sid string) string {
	return filepath.Join(o.opts.AuthDir, sid)
}

// Connect ensures sid has a live connection. Calls for sessions that are
// already connected or mid-connect return immediately.
func (o *Orchestrator) Connect(ctx context.Context, sid string) error {
	if o.manager.IsConnected(sid) {
		return nil
	}
	if !o.manager.StartConnecting(sid) {
		return nil
	}

	ctx = logger.WithSID(ctx, sid)
	dir := o.authDir(sid)
	if _, err := os.Stat(filepath.Join(dir, "creds.json")); err != nil {
		res := creds.Restore(ctx, sid, dir, o.loadFunc())
		if !res.OK && res.Reason != "no_db_row" {
			logger.Warn(ctx, "session", "creds.restore",
				slog.String("status", "fail"),
				slog.String("sid", sid),
				slog.String("reason", res.Reason),
			)
		}
	}

	conn, err := o.dialer.Dial(ctx, sid, dir)
	if err != nil {
		o.manager.AbortConnecting(sid)
		logger.Error(ctx, "session", "session.dial",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("dial %s: %w", sid, err)
	}

	o.wg.Add(1)
	go o.eventLoop(sid, conn)
	return nil
}

// eventLoop is the single consumer of a connection's events. It exits when
// the connection closes.
func (o *Orchestrator) eventLoop(sid string, conn Conn) {
	defer o.wg.Done()
	ctx := logger.WithSID(logger.Background(), sid)
	canonical := sid

	for ev := range conn.Events() {
		switch ev.Type {
		case EventConnecting:
			logger.Debug(ctx, "session", "session.connecting",
				slog.String("sid", sid),
			)
		case EventOpen:
			canonical = o.handleOpen(ctx, sid, conn)
		case EventCredsUpdated:
			o.persistCreds(ctx, sid, canonical, conn)
		case EventMessage:
			if o.onMessage != nil && ev.Msg != nil {
				o.onMessage(ctx, conn, canonical, ev.Msg)
			}
		case EventClosed:
			o.handleClosed(ctx, sid, canonical, ev.Code)
			return
		}
	}
	// channel closed without a close event; treat as a silent drop
	o.manager.Remove(sid)
}

// handleOpen registers the connection, reconciles the transient session id
// with the canonical number, persists credentials, and sends the one-time
// welcome message.
func (o *Orchestrator) handleOpen(ctx context.Context, sid string, conn Conn) string {
	canonical := CanonicalID(conn.UserID())
	o.manager.Add(sid, conn)

	logger.Info(ctx, "session", "session.open",
		slog.String("status", "ok"),
		slog.String("sid", sid),
		slog.String("number", canonical),
	)

	o.persistCreds(ctx, sid, canonical, conn)

	if canonical != sid {
		if err := o.repo.Delete(ctx, sid); err != nil {
			logger.Warn(ctx, "session", "session.reconcile",
				slog.String("status", "fail"),
				slog.String("sid", sid),
				slog.String("number", canonical),
				slog.String("err", err.Error()),
			)
		}
	}

	o.maybeWelcome(ctx, canonical, conn)
	return canonical
}

// maybeWelcome sends the connected notice exactly once per account, guarded
// by the persisted login flag.
func (o *Orchestrator) maybeWelcome(ctx context.Context, canonical string, conn Conn) {
	v, _, err := o.store.GetAsync(ctx, canonical, "login")
	if err != nil {
		return
	}
	if v == true {
		logger.Debug(ctx, "session", "session.welcome",
			slog.String("status", "skip"),
			slog.String("number", canonical),
		)
		return
	}
	if err := o.store.Set(canonical, "login", true); err != nil {
		logger.Warn(ctx, "session", "session.welcome",
			slog.String("status", "fail"),
			slog.String("number", canonical),
			slog.String("err", err.Error()),
		)
	}

	text := fmt.Sprintf(
		"Gateway connected\nnumber: %s\nprefix: %s\nmode: %s\nversion: %s\n\nSend %smenu for the command list.",
		canonical, o.opts.Prefix, o.opts.WorkType, buildinfo.Version, o.opts.Prefix,
	)
	if err := conn.Send(ctx, conn.UserID(), text); err != nil {
		logger.Warn(ctx, "session", "session.welcome",
			slog.String("status", "fail"),
			slog.String("number", canonical),
			slog.String("err", err.Error()),
		)
	}
}

// persistCreds pushes the selected credential files to the database under
// the canonical number.
func (o *Orchestrator) persistCreds(ctx context.Context, sid, canonical string, conn Conn) {
	dir := o.authDir(sid)
	res := creds.Persist(ctx, canonical, dir, o.saveFunc(dir), o.loadFunc(), o.opts.Persist)
	if !res.OK {
		logger.Warn(ctx, "session", "creds.persist",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("number", canonical),
			slog.String("reason", res.Reason),
		)
	}
}

// saveFunc merges the encoded bundle into the creds document so the stored
// row keeps the plain credential attributes alongside the selected files.
func (o *Orchestrator) saveFunc(dir string) creds.SaveFunc {
	return func(ctx context.Context, number string, payload *creds.Payload) error {
		doc := make(map[string]any)
		if raw, err := os.ReadFile(filepath.Join(dir, "creds.json")); err == nil {
			_ = json.Unmarshal(raw, &doc)
		}
		doc["_selected_files"] = payload.SelectedFiles
		doc["_selected_meta"] = payload.Meta
		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal creds doc: %w", err)
		}
		return o.repo.Save(ctx, number, b)
	}
}

func (o *Orchestrator) loadFunc() creds.LoadFunc {
	return func(ctx context.Context, number string) (*creds.Payload, error) {
		raw, err := o.repo.Get(ctx, number)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, nil
		}
		var p creds.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode creds doc: %w", err)
		}
		return &p, nil
	}
}

// handleClosed deregisters the session and either schedules a reconnect or
// runs full cleanup for terminal close codes. canonical is the account id the
// event loop observed at open time; the handle is already deregistered here,
// so cleanup cannot rediscover it from the manager.
func (o *Orchestrator) handleClosed(ctx context.Context, sid, canonical string, code int) {
	o.manager.Remove(sid)

	if Terminal(code) {
		logger.Info(ctx, "session", "session.close",
			slog.String("status", "ok"),
			slog.String("sid", sid),
			slog.Int("http_code", code),
			slog.String("reason", "terminal"),
		)
		o.logout(ctx, sid, canonical)
		return
	}

	logger.Info(ctx, "session", "session.close",
		slog.String("status", "retry"),
		slog.String("sid", sid),
		slog.Int("http_code", code),
		slog.Int64("backoff_ms", o.opts.ReconnectBackoff.Milliseconds()),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		time.Sleep(o.opts.ReconnectBackoff)
		if o.store.IsBlocked(sid) {
			logger.Info(ctx, "session", "session.reconnect",
				slog.String("status", "skip"),
				slog.String("sid", sid),
				slog.String("reason", "blocked"),
			)
			return
		}
		if err := o.Connect(logger.Background(), sid); err != nil {
			logger.Error(ctx, "session", "session.reconnect",
				slog.String("status", "fail"),
				slog.String("sid", sid),
				slog.String("err", err.Error()),
			)
		}
	}()
}

// Logout tears a session down across every storage layer.
func (o *Orchestrator) Logout(ctx context.Context, sid string) {
	o.logout(ctx, sid, "")
}

// logout runs the cleanup chain. Each step is independent; one failure does
// not stop the rest.
func (o *Orchestrator) logout(ctx context.Context, sid, canonical string) {
	ctx = logger.WithSID(ctx, sid)
	conn := o.manager.Get(sid)

	if conn != nil {
		if canonical == "" {
			canonical = CanonicalID(conn.UserID())
		}
		if err := conn.Logout(ctx); err != nil {
			logger.Warn(ctx, "session", "session.logout",
				slog.String("status", "fail"),
				slog.String("sid", sid),
				slog.String("reason", "protocol_logout"),
				slog.String("err", err.Error()),
			)
		}
		_ = conn.Close()
	}

	if err := os.RemoveAll(o.authDir(sid)); err != nil {
		logger.Warn(ctx, "session", "session.logout",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("reason", "auth_dir"),
			slog.String("err", err.Error()),
		)
	}

	if err := o.repo.Delete(ctx, sid); err != nil {
		logger.Warn(ctx, "session", "session.logout",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("reason", "db_delete"),
			slog.String("err", err.Error()),
		)
	}
	if canonical != "" && canonical != sid {
		if err := o.repo.Delete(ctx, canonical); err != nil {
			logger.Warn(ctx, "session", "session.logout",
				slog.String("status", "fail"),
				slog.String("number", canonical),
				slog.String("reason", "db_delete"),
				slog.String("err", err.Error()),
			)
		}
	}

	if err := o.store.Logout(sid); err != nil {
		logger.Warn(ctx, "session", "session.logout",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("reason", "store_block"),
			slog.String("err", err.Error()),
		)
	}

	o.manager.Remove(sid)
	logger.Info(ctx, "session", "session.logout",
		slog.String("status", "ok"),
		slog.String("sid", sid),
	)
}

// PairingCode dials a fresh connection for the number and requests a
// pairing code, bounded by the configured timeout. The connection keeps
// running so the pairing can complete.
func (o *Orchestrator) PairingCode(ctx context.Context, phone string) (string, error) {
	sid := NormalizeNumber(phone)
	if sid == "" {
		return "", fmt.Errorf("empty number")
	}
	if o.manager.IsConnected(sid) {
		return "", ErrAlreadyConnected
	}
	if !o.manager.StartConnecting(sid) {
		return "", ErrAlreadyConnected
	}

	ctx = logger.WithSID(ctx, sid)
	dialCtx, cancel := context.WithTimeout(ctx, o.opts.PairTimeout)
	defer cancel()

	conn, err := o.dialer.Dial(dialCtx, sid, o.authDir(sid))
	if err != nil {
		o.manager.AbortConnecting(sid)
		return "", fmt.Errorf("dial %s: %w", sid, err)
	}

	code, err := conn.RequestPairingCode(dialCtx, sid)
	if err != nil {
		o.manager.AbortConnecting(sid)
		_ = conn.Close()
		return "", fmt.Errorf("pairing code for %s: %w", sid, err)
	}

	o.wg.Add(1)
	go o.eventLoop(sid, conn)

	logger.Info(ctx, "session", "session.pair",
		slog.String("status", "ok"),
		slog.String("sid", sid),
	)
	return code, nil
}

// RestoreAll reconnects every session found in the database, with bounded
// concurrency and a polite delay between starts. Failures are logged and
// never delete session state.
func (o *Orchestrator) RestoreAll(ctx context.Context) error {
	numbers, err := o.repo.Numbers(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	logger.Info(ctx, "session", "session.restore_all",
		slog.Int("count", len(numbers)),
	)

	sem := make(chan struct{}, o.opts.RestoreConcurrency)
	var wg sync.WaitGroup
	for i, number := range numbers {
		if o.store.IsBlocked(number) {
			logger.Info(ctx, "session", "session.restore",
				slog.String("status", "skip"),
				slog.String("sid", number),
				slog.String("reason", "blocked"),
			)
			continue
		}
		if i > 0 && o.opts.RestoreDelay > 0 {
			select {
			case <-time.After(o.opts.RestoreDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.Connect(ctx, sid); err != nil {
				logger.Error(ctx, "session", "session.restore",
					slog.String("status", "fail"),
					slog.String("sid", sid),
					slog.String("err", err.Error()),
				)
			}
		}(number)
	}
	wg.Wait()
	return nil
}
