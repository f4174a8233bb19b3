package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/MPBridge/internal/bridge"
	"github.com/BTreeMap/MPBridge/internal/genai"
	"github.com/BTreeMap/MPBridge/internal/imageapi"
	"github.com/BTreeMap/MPBridge/internal/lockfile"
	"github.com/BTreeMap/MPBridge/internal/responder"
	"github.com/BTreeMap/MPBridge/internal/scheduler"
	"github.com/BTreeMap/MPBridge/internal/store"
	"github.com/BTreeMap/MPBridge/internal/wechat"
	"github.com/BTreeMap/MPBridge/internal/worker"
)

// Service-level defaults used by Run.
const (
	// DefaultAddr is the webhook listen address.
	DefaultAddr = ":8080"
	// DefaultStateDir holds the instance lock and temporary media files.
	DefaultStateDir = "/var/lib/mpbridge"
	// DefaultHistoryTTL bounds how long stored conversation turns stay usable
	// as GenAI context.
	DefaultHistoryTTL = time.Hour
	// DefaultLedgerRetention bounds how long an abandoned delivery ledger
	// entry survives before a sweep drops it.
	DefaultLedgerRetention = 10 * time.Minute
	// sweepSchedule runs the expiry sweeps once a minute.
	sweepSchedule = "* * * * *"
	// shutdownGrace bounds the drain of in-progress webhook calls on exit.
	shutdownGrace = 10 * time.Second
)

// RunOpts holds service-level configuration for Run.
type RunOpts struct {
	addr            string
	stateDir        string
	sessionTimeout  time.Duration
	historyTTL      time.Duration
	ledgerRetention time.Duration
	poolOpts        []worker.Option
	responderOpts   []responder.Option
}

// RunOption configures RunOpts.
type RunOption func(*RunOpts)

// WithAddr sets the webhook listen address.
func WithAddr(addr string) RunOption {
	return func(o *RunOpts) { o.addr = addr }
}

// WithStateDir sets the directory for the instance lock and temp media.
func WithStateDir(dir string) RunOption {
	return func(o *RunOpts) { o.stateDir = dir }
}

// WithSessionTimeout overrides the await-image session window.
func WithSessionTimeout(d time.Duration) RunOption {
	return func(o *RunOpts) { o.sessionTimeout = d }
}

// WithHistoryTTL overrides how long stored conversation turns are kept.
func WithHistoryTTL(d time.Duration) RunOption {
	return func(o *RunOpts) { o.historyTTL = d }
}

// WithLedgerRetention overrides how long abandoned ledger entries are kept.
func WithLedgerRetention(d time.Duration) RunOption {
	return func(o *RunOpts) { o.ledgerRetention = d }
}

// WithPoolOptions forwards options to the background worker pool.
func WithPoolOptions(opts ...worker.Option) RunOption {
	return func(o *RunOpts) { o.poolOpts = append(o.poolOpts, opts...) }
}

// WithResponderOptions forwards options to the chat responder.
func WithResponderOptions(opts ...responder.Option) RunOption {
	return func(o *RunOpts) { o.responderOpts = append(o.responderOpts, opts...) }
}

// Run wires the full service and blocks until SIGINT/SIGTERM: instance lock,
// history store, platform client, GenAI responder, analysis client, worker
// pool, bridge, expiry sweeps, and the webhook HTTP server.
func Run(wechatOpts []wechat.Option, storeOpts []store.Option, genaiOpts []genai.Option, imageOpts []imageapi.Option, serverOpts []Option, opts ...RunOption) error {
	o := RunOpts{
		addr:            DefaultAddr,
		stateDir:        DefaultStateDir,
		historyTTL:      DefaultHistoryTTL,
		ledgerRetention: DefaultLedgerRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The bridge's stores are process-local; a second instance sharing the
	// state directory would split the caches between processes.
	lock, err := lockfile.AcquireLock(o.stateDir)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Channel lock release failed", "error", err)
		}
	}()

	st, err := openStore(storeOpts)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer st.Close()

	gen, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("create genai client: %w", err)
	}

	wx := wechat.NewClient(wechatOpts...)
	analyzer := imageapi.NewClient(imageOpts...)

	pool := worker.NewPool(o.poolOpts...)
	pool.Start(ctx)
	defer pool.Stop()

	b := bridge.New(o.sessionTimeout)
	chat := responder.New(b, st, gen, wx, pool, o.responderOpts...)
	srv := NewServer(b, chat, analyzer, wx, pool, serverOpts...)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(sweepSchedule, func() {
		now := time.Now()
		if n := b.SweepLedger(now.Add(-o.ledgerRetention)); n > 0 {
			slog.Debug("Channel ledger sweep", "removed", n)
		}
		if n := b.SweepSessions(now); n > 0 {
			slog.Debug("Channel session sweep", "removed", n)
		}
		if n, err := st.SweepExpired(now.Add(-o.historyTTL)); err != nil {
			slog.Error("Channel history sweep failed", "error", err)
		} else if n > 0 {
			slog.Debug("Channel history sweep", "removed", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule expiry sweeps: %w", err)
	}

	httpSrv := &http.Server{Addr: o.addr, Handler: srv.Routes()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Channel webhook listening", "addr", o.addr, "path", srv.webhookPath)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Channel shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Channel shutdown incomplete", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// openStore selects the history backend from the configured DSN.
func openStore(opts []store.Option) (store.Store, error) {
	var so store.Opts
	for _, opt := range opts {
		opt(&so)
	}
	switch backend := store.DetectBackend(so.DSN); backend {
	case store.BackendPostgres:
		slog.Info("Channel using Postgres history store")
		return store.NewPostgresStore(opts...)
	case store.BackendSQLite:
		slog.Info("Channel using SQLite history store", "path", so.DSN)
		return store.NewSQLiteStore(opts...)
	default:
		slog.Info("Channel using in-memory history store")
		return store.NewInMemoryStore(), nil
	}
}
