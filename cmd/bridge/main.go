// tiger-webhook bridges JSON trade-signal webhooks (TradingView-style
// chart alerts) into a US equity options broker account.
//
// Architecture:
//
//	main.go                 — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/pricing        — C1: spread/quote-quality gating shared by selection and execution
//	internal/broker         — C2: broker gateway (REST + optional WS fill feed), mock gateway for mock_mode
//	internal/deltastore     — C3: append-only ledger of observed net-delta changes (sqlite)
//	internal/contract       — C4: option contract selection for an incoming signal
//	internal/execution      — C5: progressive limit-order execution engine
//	internal/polling        — C6: positions/orders reconciliation loops
//	internal/dispatch       — C7: inbound signal intake, dedupe, per-account sequencing
//	internal/notify         — C8: best-effort outbound notifications (webhook, Telegram)
//	internal/query          — C9: read-only operator projections
//	internal/api            — HTTP surface: inbound webhook plus the operator query/control routes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tiger-webhook/internal/api"
	"tiger-webhook/internal/broker"
	"tiger-webhook/internal/config"
	"tiger-webhook/internal/deltastore"
	"tiger-webhook/internal/dispatch"
	"tiger-webhook/internal/notify"
	"tiger-webhook/internal/execution"
	"tiger-webhook/internal/polling"
	"tiger-webhook/internal/query"
	"tiger-webhook/pkg/types"
)

const version = "dev"

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TIGER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(2)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := deltastore.Open(cfg.Delta.DBPath)
	if err != nil {
		logger.Error("failed to open delta store", "error", err, "path", cfg.Delta.DBPath)
		os.Exit(1)
	}

	gw, err := newGateway(*cfg, logger)
	if err != nil {
		logger.Error("failed to build broker gateway", "error", err)
		os.Exit(1)
	}

	notifySink, err := newNotifySink(cfg.Notifier)
	if err != nil {
		logger.Error("failed to build notifier sink", "error", err)
		os.Exit(1)
	}
	notifier := notify.NewDispatcher(notifySink, cfg.Accounts, cfg.Notifier.MaxRetries, logger)

	engine := execution.New(gw, store, notifier, cfg.Execution, cfg.Spread, logger)
	if mg, ok := gw.(*broker.MockGateway); ok {
		mg.OnFill = func(evt types.FillEvent) { engine.ObserveFill(context.Background(), evt) }
	}
	pollingMgr := polling.New(cfg.Polling, cfg.Delta, cfg.EnabledAccounts(), gw, store, engine, notifier, logger)
	dispatcher := dispatch.New(cfg.Dispatch, cfg.Selection, cfg.Spread, cfg.Accounts, gw, store, engine, notifier, logger)
	querySvc := query.New(gw, store, pollingMgr)

	accountNames := make([]string, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accountNames = append(accountNames, a.Name)
	}
	apiServer := api.NewServer(cfg.Port, version, cfg.MockMode, accountNames, dispatcher, pollingMgr, querySvc, logger)

	pollCtx, stopPolling := context.WithCancel(context.Background())
	go pollingMgr.Run(pollCtx)

	pruneCtx, stopPrune := context.WithCancel(context.Background())
	if cfg.Delta.RetentionDays > 0 {
		go runDeltaPruneLoop(pruneCtx, store, cfg.Delta.RetentionDays, logger)
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("tiger-webhook started",
		"port", cfg.Port,
		"mock_mode", cfg.MockMode,
		"dry_run", cfg.Gateway.DryRun,
		"accounts", len(cfg.Accounts),
		"position_polling_interval_minutes", cfg.Polling.PositionIntervalMinutes,
		"order_polling_interval_minutes", cfg.Polling.OrderIntervalMinutes,
		"auto_start_polling", cfg.Polling.AutoStart,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	dispatcher.Shutdown()
	stopPolling()
	stopPrune()
	engine.Shutdown()
	if err := store.Close(); err != nil {
		logger.Error("failed to close delta store", "error", err)
	}
}

// newGateway builds the broker gateway: a MockGateway in mock_mode, or a
// RESTGateway with credentials resolved per account otherwise.
func newGateway(cfg config.Config, logger *slog.Logger) (broker.Gateway, error) {
	if cfg.MockMode {
		return broker.NewMockGateway(logger), nil
	}

	refs := make(map[string]string, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		refs[a.Name] = a.BrokerCredentialRef
	}
	creds, err := broker.NewCredentialStore(refs)
	if err != nil {
		return nil, err
	}
	return broker.NewRESTGateway(cfg.Gateway, creds, logger), nil
}

// runDeltaPruneLoop deletes Delta ledger rows older than retentionDays once
// a day until ctx is cancelled. The first prune runs immediately so a
// long-idle bridge doesn't carry months of history until its first daily
// tick, 24 hours after startup.
func runDeltaPruneLoop(ctx context.Context, store *deltastore.Store, retentionDays int, logger *slog.Logger) {
	retention := time.Duration(retentionDays) * 24 * time.Hour
	prune := func() {
		deleted, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Error("delta ledger prune failed", "error", err)
			return
		}
		if deleted > 0 {
			logger.Info("pruned delta ledger", "rows_deleted", deleted, "retention_days", retentionDays)
		}
	}

	prune()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// newNotifySink fans notifications out to whichever sinks are configured,
// skipping any the operator left empty.
func newNotifySink(cfg config.NotifierConfig) (notify.Sink, error) {
	var sinks []notify.Sink
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" {
		sink, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, fmt.Errorf("build telegram sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return notify.NewMultiSink(sinks...), nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
